package vfs

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrNoSuchRename reports a commit/abort referencing an unknown or already
// resolved rename token.
var ErrNoSuchRename = errors.New("vfs: no such pending rename")

// renameTxn is a staged cross-directory rename: the target has already
// been linked into the destination directory, but the source link has
// not yet been removed, so a crash between the two messages of the
// protocol leaves the file doubly-linked rather than orphaned.
type renameTxn struct {
	srcDirSector uint32
	srcName      string
}

// RenameCoordinator tracks in-flight two-phase renames, in the spirit of
// vstafs.h's f_rename_id/f_rename_msg per-client state: a
// rename starts with PrepareRename (link at the destination) and finishes
// with CommitRename (unlink at the source) or AbortRename (undo the
// link), addressed by an opaque token so the two messages of the
// protocol can be separated by an arbitrary number of other requests.
type RenameCoordinator struct {
	mu      sync.Mutex
	pending map[string]renameTxn
}

// NewRenameCoordinator returns an empty coordinator.
func NewRenameCoordinator() *RenameCoordinator {
	return &RenameCoordinator{pending: make(map[string]renameTxn)}
}

// PrepareRename links target under dstName in the destination directory
// and returns a token identifying the still-open transaction. It fails
// exactly as CreateEntry would if dstName already exists there.
func (f *Filesystem) PrepareRename(ctx context.Context, rc *RenameCoordinator, srcDirSector uint32, srcName string, dstDirSector uint32, dstName string, handle uint64) (string, error) {
	target, err := f.Lookup(ctx, srcDirSector, srcName)
	if err != nil {
		return "", err
	}
	if err := f.CreateEntry(ctx, dstDirSector, dstName, target, handle); err != nil {
		return "", err
	}

	token := uuid.NewString()
	rc.mu.Lock()
	rc.pending[token] = renameTxn{srcDirSector: srcDirSector, srcName: srcName}
	rc.mu.Unlock()
	return token, nil
}

// CommitRename finishes a rename begun by PrepareRename by unlinking the
// source name.
func (f *Filesystem) CommitRename(ctx context.Context, rc *RenameCoordinator, token string, handle uint64) error {
	rc.mu.Lock()
	txn, ok := rc.pending[token]
	if ok {
		delete(rc.pending, token)
	}
	rc.mu.Unlock()
	if !ok {
		return ErrNoSuchRename
	}
	_, err := f.RemoveEntry(ctx, txn.srcDirSector, txn.srcName, handle)
	return err
}

// AbortRename undoes a PrepareRename that will not be committed — e.g.
// because the client holding it disconnected — by removing the
// destination link it created. dstDirSector/dstName must match what was
// passed to PrepareRename.
func (f *Filesystem) AbortRename(ctx context.Context, rc *RenameCoordinator, token string, dstDirSector uint32, dstName string, handle uint64) error {
	rc.mu.Lock()
	_, ok := rc.pending[token]
	if ok {
		delete(rc.pending, token)
	}
	rc.mu.Unlock()
	if !ok {
		return ErrNoSuchRename
	}
	_, err := f.RemoveEntry(ctx, dstDirSector, dstName, handle)
	return err
}
