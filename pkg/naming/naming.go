// Package naming generates human-readable unique display names for
// ephemeral device instances, e.g. container names, with low collision
// probability across parallel test runs.
package naming

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/docker/docker/pkg/namesgenerator"
	"github.com/google/uuid"

	"github.com/thin-edge/device-test-core/pkg/device"
)

// DefaultPattern matches the container-name constraints of the docker
// runtime, the strictest transport we target.
var DefaultPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Options tune name generation. The zero value uses sensible defaults.
type Options struct {
	// Prefix is prepended to the generated name, joined by Separator.
	Prefix string
	// Separator joins prefix, word pair and suffix. Defaults to "-".
	Separator string
	// MaxLength caps the name length. Defaults to 63 (hostname label).
	MaxLength int
	// Pattern validates a candidate name. Defaults to DefaultPattern.
	Pattern *regexp.Regexp
	// MaxTries bounds regeneration on constraint violation. Defaults to 5.
	MaxTries int
}

func (o Options) withDefaults() Options {
	if o.Separator == "" {
		o.Separator = "-"
	}
	if o.MaxLength == 0 {
		o.MaxLength = 63
	}
	if o.Pattern == nil {
		o.Pattern = DefaultPattern
	}
	if o.MaxTries == 0 {
		o.MaxTries = 5
	}
	return o
}

// Generate produces a name of the form [prefix-]adjective_surname-xxxxxxxx
// where the trailing token is derived from a fresh UUID. The word pair
// keeps names recognizable in container listings; the suffix keeps
// concurrent runs from colliding. Candidates violating the constraints
// are regenerated; after MaxTries the error carries KindNaming.
func Generate(opts Options) (string, error) {
	opts = opts.withDefaults()

	var lastErr error
	for try := 0; try < opts.MaxTries; try++ {
		name := candidate(opts)
		if err := validate(name, opts); err != nil {
			lastErr = err
			continue
		}
		return name, nil
	}
	return "", device.E(device.KindNaming, "generate_name", "",
		fmt.Errorf("no valid name after %d tries: %w", opts.MaxTries, lastErr))
}

func candidate(opts Options) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	parts := []string{namesgenerator.GetRandomName(0), suffix}
	if opts.Prefix != "" {
		parts = append([]string{opts.Prefix}, parts...)
	}
	return strings.Join(parts, opts.Separator)
}

func validate(name string, opts Options) error {
	if len(name) > opts.MaxLength {
		return fmt.Errorf("name %q exceeds %d characters", name, opts.MaxLength)
	}
	if !opts.Pattern.MatchString(name) {
		return fmt.Errorf("name %q does not match %s", name, opts.Pattern)
	}
	return nil
}

// MustGenerate is Generate for call sites where a naming failure is
// unrecoverable anyway.
func MustGenerate(opts Options) string {
	name, err := Generate(opts)
	if err != nil {
		panic(err)
	}
	return name
}
