/*
Copyright 2024 Fleetforge Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sshconn

import (
	"context"
	"io"
	"os"
	"path"
	"time"

	"github.com/gravitational/trace"
	"github.com/pkg/sftp"
)

// TransferOptions control a single upload/download.
type TransferOptions struct {
	Mode  os.FileMode // 0 means "leave server default"
	Owner string      // chown via shell, since SFTP has no portable uid/gid setter
	Group string
}

// FileStat is the subset of remote file metadata the engine consumes.
type FileStat struct {
	Size  int64
	Mode  os.FileMode
	UID   int
	GID   int
	Atime time.Time
	Mtime time.Time

	IsDir     bool
	IsFile    bool
	IsSymlink bool
}

func (s *Session) newSFTPClient() (*sftp.Client, error) {
	s.mu.RLock()
	handle := s.handle
	s.mu.RUnlock()
	if handle == nil {
		return nil, trace.ConnectionProblem(nil, "session to %s is closed", s.target)
	}
	client, err := sftp.NewClient(handle)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return client, nil
}

// Upload copies a local file to a remote path, creating parent
// directories, applying mode/owner/group if set.
func (s *Session) Upload(ctx context.Context, local, remote string, opts TransferOptions) error {
	f, err := os.Open(local)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer f.Close()
	return trace.Wrap(s.UploadContent(ctx, f, remote, opts))
}

// UploadContent is Upload without the local-file-read step: bytes are
// streamed straight from r.
func (s *Session) UploadContent(ctx context.Context, r io.Reader, remote string, opts TransferOptions) error {
	client, err := s.newSFTPClient()
	if err != nil {
		return trace.Wrap(err)
	}
	defer client.Close()

	if err := mkdirParents(client, path.Dir(remote)); err != nil {
		return trace.Wrap(err)
	}

	dst, err := client.Create(remote)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := io.Copy(dst, r); err != nil {
		dst.Close()
		return trace.Wrap(err)
	}
	if err := dst.Close(); err != nil {
		return trace.Wrap(err)
	}

	if opts.Mode != 0 {
		if err := client.Chmod(remote, opts.Mode); err != nil {
			return trace.Wrap(err)
		}
	}
	client.Close()

	if opts.Owner != "" || opts.Group != "" {
		if err := s.chown(ctx, remote, opts.Owner, opts.Group); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func mkdirParents(client *sftp.Client, dir string) error {
	if dir == "" || dir == "." || dir == "/" {
		return nil
	}
	if err := mkdirParents(client, path.Dir(dir)); err != nil {
		return trace.Wrap(err)
	}
	if err := client.Mkdir(dir); err != nil {
		if info, statErr := client.Stat(dir); statErr == nil && info.IsDir() {
			return nil
		}
		return trace.Wrap(err)
	}
	return nil
}

// chown shells out because SFTP has no standard owner/group setter
// across server implementations.
func (s *Session) chown(ctx context.Context, remote, owner, group string) error {
	spec := owner
	if group != "" {
		spec = owner + ":" + group
	}
	res, err := s.Execute(ctx, "chown "+spec+" "+remote, ExecOptions{})
	if err != nil {
		return trace.Wrap(err)
	}
	if !res.Success {
		return trace.Errorf("chown %s %s failed: %s", spec, remote, res.Stderr)
	}
	return nil
}

// Download copies a remote file to a local path.
func (s *Session) Download(ctx context.Context, remote, local string) error {
	if err := os.MkdirAll(path.Dir(local), 0o755); err != nil {
		return trace.ConvertSystemError(err)
	}
	f, err := os.Create(local)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer f.Close()

	data, err := s.DownloadContent(ctx, remote)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = f.Write(data)
	return trace.ConvertSystemError(err)
}

// DownloadContent reads a remote file fully into memory.
func (s *Session) DownloadContent(ctx context.Context, remote string) ([]byte, error) {
	client, err := s.newSFTPClient()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer client.Close()

	f, err := client.Open(remote)
	if err != nil {
		return nil, translateSFTPError(err)
	}
	defer f.Close()

	return io.ReadAll(f)
}

// Stat returns metadata about a remote path. Symlink-ness is determined
// by an Lstat call before the Stat call that follows links, so a
// symlink to a directory is still reported IsSymlink.
func (s *Session) Stat(ctx context.Context, remote string) (FileStat, error) {
	client, err := s.newSFTPClient()
	if err != nil {
		return FileStat{}, trace.Wrap(err)
	}
	defer client.Close()

	lstatInfo, err := client.Lstat(remote)
	if err != nil {
		return FileStat{}, translateSFTPError(err)
	}
	isSymlink := lstatInfo.Mode()&os.ModeSymlink != 0

	info := lstatInfo
	if isSymlink {
		followed, err := client.Stat(remote)
		if err == nil {
			info = followed
		}
	}

	st := FileStat{
		Size:      info.Size(),
		Mode:      info.Mode(),
		IsDir:     info.IsDir(),
		IsFile:    !info.IsDir() && !isSymlink,
		IsSymlink: isSymlink,
		Mtime:     info.ModTime(),
	}
	if fs, ok := info.Sys().(*sftp.FileStat); ok {
		st.UID = int(fs.UID)
		st.GID = int(fs.GID)
		st.Atime = time.Unix(int64(fs.Atime), 0)
	}
	return st, nil
}

// translateSFTPError surfaces "no such file" and "permission denied" as
// distinguishable errors, per spec.md §4.3.
func translateSFTPError(err error) error {
	if err == nil {
		return nil
	}
	if os.IsNotExist(err) {
		return trace.NotFound("%v", err)
	}
	if os.IsPermission(err) {
		return trace.AccessDenied("%v", err)
	}
	if status, ok := err.(*sftp.StatusError); ok {
		switch status.Code() {
		case 2: // SSH_FX_NO_SUCH_FILE
			return trace.NotFound("%v", err)
		case 3: // SSH_FX_PERMISSION_DENIED
			return trace.AccessDenied("%v", err)
		}
	}
	return trace.Wrap(err)
}
