package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	cryptossh "golang.org/x/crypto/ssh"

	"github.com/thin-edge/device-test-core/internal/shellquote"
	"github.com/thin-edge/device-test-core/pkg/device"
	"github.com/thin-edge/device-test-core/pkg/lg"
)

// CopyTo uploads a local file using the scp sink protocol on the remote
// side. Path problems are terminal transfer errors; connection problems
// stay visible to the retry policy through the wrap chain.
func (a *Adapter) CopyTo(ctx context.Context, localPath, remotePath string) error {
	local, err := os.Open(localPath)
	if err != nil {
		return device.E(device.KindTransfer, "copy_to", a.handle.Name, fmt.Errorf("open %s: %w", localPath, err))
	}
	defer local.Close()

	info, err := local.Stat()
	if err != nil {
		return device.E(device.KindTransfer, "copy_to", a.handle.Name, fmt.Errorf("stat %s: %w", localPath, err))
	}

	if err := a.Start(ctx); err != nil {
		return device.E(device.KindTransfer, "copy_to", a.handle.Name, err)
	}

	mkdir := fmt.Sprintf("mkdir -p %s", shellquote.Quote(path.Dir(remotePath)))
	res, err := a.Execute(ctx, mkdir, device.ExecOptions{Timeout: 30 * time.Second})
	if err != nil {
		return device.E(device.KindTransfer, "copy_to", a.handle.Name, err)
	}
	if !res.Success() {
		return device.E(device.KindTransfer, "copy_to", a.handle.Name,
			fmt.Errorf("mkdir failed: %s", res.Output()))
	}

	sess, err := a.newSession()
	if err != nil {
		return device.E(device.KindTransfer, "copy_to", a.handle.Name,
			device.E(device.KindConnection, "copy_to", a.handle.Name, err))
	}
	defer sess.Close()

	stdin, err := sess.StdinPipe()
	if err != nil {
		return device.E(device.KindTransfer, "copy_to", a.handle.Name,
			device.E(device.KindConnection, "copy_to", a.handle.Name, err))
	}

	go func() {
		defer stdin.Close()
		writeSCP(stdin, local, info.Size(), filepath.Base(remotePath), info.Mode())
	}()

	if err := sess.Run(fmt.Sprintf("scp -t %s", shellquote.Quote(remotePath))); err != nil {
		return device.E(device.KindTransfer, "copy_to", a.handle.Name, fmt.Errorf("scp: %w", err))
	}

	a.log.Debug("uploaded file",
		lg.String("local", localPath),
		lg.String("remote", remotePath),
		lg.Int("bytes", int(info.Size())))
	return nil
}

// writeSCP frames one file in the scp sink protocol:
// C<mode> <size> <name>\n<data>\x00
func writeSCP(w io.Writer, data io.Reader, size int64, name string, mode os.FileMode) {
	fmt.Fprintf(w, "C%04o %d %s\n", mode.Perm(), size, name)
	_, _ = io.Copy(w, data)
	fmt.Fprint(w, "\x00")
}

// CopyFrom downloads a remote file by streaming it through a session.
func (a *Adapter) CopyFrom(ctx context.Context, remotePath, localPath string) error {
	if err := a.Start(ctx); err != nil {
		return device.E(device.KindTransfer, "copy_from", a.handle.Name, err)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return device.E(device.KindTransfer, "copy_from", a.handle.Name,
			fmt.Errorf("create %s: %w", filepath.Dir(localPath), err))
	}
	out, err := os.Create(localPath)
	if err != nil {
		return device.E(device.KindTransfer, "copy_from", a.handle.Name,
			fmt.Errorf("create %s: %w", localPath, err))
	}
	defer out.Close()

	sess, err := a.newSession()
	if err != nil {
		return device.E(device.KindTransfer, "copy_from", a.handle.Name,
			device.E(device.KindConnection, "copy_from", a.handle.Name, err))
	}
	defer sess.Close()

	sess.Stdout = out
	if err := sess.Run(fmt.Sprintf("cat %s", shellquote.Quote(remotePath))); err != nil {
		if isExitError(err) {
			return device.E(device.KindTransfer, "copy_from", a.handle.Name,
				fmt.Errorf("remote file %s is not readable: %w", remotePath, err))
		}
		return device.E(device.KindTransfer, "copy_from", a.handle.Name,
			device.E(device.KindConnection, "copy_from", a.handle.Name, err))
	}
	return out.Sync()
}

// isExitError distinguishes "remote command failed" from "session or
// connection broke".
func isExitError(err error) bool {
	var ee *cryptossh.ExitError
	return errors.As(err, &ee)
}
