package proto

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vsta/vstafs/internal/ondisk"
	"github.com/vsta/vstafs/internal/session"
	"github.com/vsta/vstafs/internal/vfs"
)

// Op identifies one request in the closed message set a client may send.
type Op int

const (
	OpLookup Op = iota
	OpReaddir
	OpRead
	OpWrite
	OpCreate
	OpRemove
	OpStat
	OpWstat
	OpClose
	OpRenamePrepare
	OpRenameCommit
	OpRenameAbort
	OpConnect
	OpDup
	OpDisconnect
	OpSeek
	OpAbsread
	OpAbswrite
	OpFID
)

// ErrMalformedField reports a wstat field line that isn't "key=value".
var ErrMalformedField = errors.New("proto: malformed field")

// ErrNoSuchClient reports an op that names a handle with no Connect on
// record — Dup and Seek require one. Disconnect of an unknown handle is a
// no-op, and FID falls back to the request's Sector.
var ErrNoSuchClient = errors.New("proto: no such client")

// Request is a single, fully self-describing client message. Only the
// fields relevant to Op are meaningful; the dispatcher never needs more
// than this flat struct, favoring a small closed message set over a
// polymorphic RPC surface.
type Request struct {
	Op Op

	Handle    uint64
	NewHandle uint64

	DirSector uint32
	Name      string
	FileType  uint8

	Sector uint32
	Pos    uint32
	Data   []byte
	Count  uint32

	DstDirSector uint32
	DstName      string
	Token        string
}

// Reply is the dispatcher's response to a Request. Err is nil on success.
type Reply struct {
	Err    *Error
	Sector uint32
	Data   []byte
	N      int
	Pos    uint32
	Names  []string
	Token  string
}

func errReply(err error) Reply {
	return Reply{Err: wrap(err)}
}

// client is the per-handle state a Connect establishes: which file the
// handle is attached to and where its next unqualified Read/Write starts,
// the way a VSTa Client struct tracks c_sender/c_pos across a connection's
// lifetime instead of requiring every message to carry an absolute
// position.
type client struct {
	sector uint32
	pos    uint32
}

// Server dispatches Requests onto a mounted Filesystem, exhaustively
// switching on Op rather than using virtual dispatch per request type.
// An Op with no case falls to the default branch, which replies with a
// no-such-entry error rather than silently succeeding.
type Server struct {
	FS       *vfs.Filesystem
	Renames  *vfs.RenameCoordinator
	Sessions *session.Store
	Log      *logrus.Entry

	mu      sync.Mutex
	clients map[uint64]*client
}

// NewServer wires a dispatcher around an already-mounted filesystem.
func NewServer(fs *vfs.Filesystem, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Server{
		FS:      fs,
		Renames: vfs.NewRenameCoordinator(),
		Log:     log,
		clients: make(map[uint64]*client),
	}
}

func (s *Server) getClient(handle uint64) *client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients[handle]
}

func (s *Server) setClient(handle uint64, c *client) {
	s.mu.Lock()
	s.clients[handle] = c
	s.mu.Unlock()
}

func (s *Server) deleteClient(handle uint64) {
	s.mu.Lock()
	delete(s.clients, handle)
	s.mu.Unlock()
}

// Handle processes one request to completion. It never panics on a
// malformed request — Go's type system already prevents the
// discriminated-union confusion raw wire messages would invite.
func (s *Server) Handle(ctx context.Context, req Request) Reply {
	switch req.Op {
	case OpLookup:
		sector, err := s.FS.Lookup(ctx, req.DirSector, req.Name)
		if err != nil {
			return errReply(err)
		}
		return Reply{Sector: sector}

	case OpReaddir:
		names, err := s.FS.ListDir(ctx, req.DirSector)
		if err != nil {
			return errReply(err)
		}
		return Reply{Names: names}

	case OpRead, OpWrite, OpAbsread, OpAbswrite:
		sector, pos := req.Sector, req.Pos
		c := s.getClient(req.Handle)
		stateful := c != nil && (req.Op == OpRead || req.Op == OpWrite)
		if stateful {
			sector, pos = c.sector, c.pos
		}
		var reply Reply
		if req.Op == OpRead || req.Op == OpAbsread {
			reply = s.handleRead(ctx, sector, pos, req.Count)
		} else {
			reply = s.handleWrite(ctx, sector, pos, req.Data, req.Handle)
		}
		if stateful && reply.Err == nil {
			s.setClient(req.Handle, &client{sector: sector, pos: pos + uint32(reply.N)})
		}
		return reply

	case OpCreate:
		sector, err := s.FS.CreateFile(ctx, req.DirSector, req.Name, req.FileType, req.Handle)
		if err != nil {
			return errReply(err)
		}
		return Reply{Sector: sector}

	case OpRemove:
		if err := s.FS.RemoveFile(ctx, req.DirSector, req.Name, req.Handle); err != nil {
			return errReply(err)
		}
		return Reply{}

	case OpStat:
		hdr, _, err := s.FS.ReadHeader(ctx, req.Sector)
		if err != nil {
			return errReply(err)
		}
		return Reply{N: int(hdr.Length), Data: formatStat(req.Sector, hdr)}

	case OpWstat:
		hdr, ref, err := s.FS.ReadHeader(ctx, req.Sector)
		if err != nil {
			return errReply(err)
		}
		if err := applyWstat(hdr, req.Data); err != nil {
			return errReply(err)
		}
		if err := s.FS.WriteHeader(ctx, ref, hdr, req.Handle); err != nil {
			return errReply(err)
		}
		return Reply{}

	case OpClose:
		s.FS.SyncHandle(req.Handle)
		if s.Sessions != nil {
			_ = s.Sessions.RecordClose(req.Handle)
		}
		return Reply{}

	case OpRenamePrepare:
		token, err := s.FS.PrepareRename(ctx, s.Renames, req.DirSector, req.Name, req.DstDirSector, req.DstName, req.Handle)
		if err != nil {
			return errReply(err)
		}
		return Reply{Token: token}

	case OpRenameCommit:
		if err := s.FS.CommitRename(ctx, s.Renames, req.Token, req.Handle); err != nil {
			return errReply(err)
		}
		return Reply{}

	case OpRenameAbort:
		if err := s.FS.AbortRename(ctx, s.Renames, req.Token, req.DstDirSector, req.DstName, req.Handle); err != nil {
			return errReply(err)
		}
		return Reply{}

	case OpConnect:
		return s.handleConnect(req)

	case OpDup:
		return s.handleDup(req)

	case OpDisconnect:
		return s.handleDisconnect(ctx, req)

	case OpSeek:
		c := s.getClient(req.Handle)
		if c == nil {
			return errReply(ErrNoSuchClient)
		}
		s.setClient(req.Handle, &client{sector: c.sector, pos: req.Pos})
		return Reply{Pos: req.Pos}

	case OpFID:
		if c := s.getClient(req.Handle); c != nil {
			return Reply{Sector: c.sector}
		}
		return Reply{Sector: req.Sector}

	default:
		return errReply(vfs.ErrNotFound)
	}
}

// handleConnect attaches handle to sector, acquiring a shared OpenFile
// reference and recording the connection in the session store, if one is
// wired in — both ambient, never consulted for correctness.
func (s *Server) handleConnect(req Request) Reply {
	s.FS.Acquire(req.Sector)
	s.setClient(req.Handle, &client{sector: req.Sector})
	if s.Sessions != nil {
		_ = s.Sessions.RecordOpen(session.HandleInfo{
			Handle:   req.Handle,
			Sector:   req.Sector,
			Path:     req.Name,
			RefCount: s.FS.RefCount(req.Sector),
			OpenedAt: time.Now(),
		})
	}
	return Reply{Sector: req.Sector}
}

// handleDup shares req.Handle's connection under req.NewHandle, adding
// one more reference to the same OpenFile rather than opening a second,
// independent one.
func (s *Server) handleDup(req Request) Reply {
	c := s.getClient(req.Handle)
	if c == nil {
		return errReply(ErrNoSuchClient)
	}
	s.FS.Acquire(c.sector)
	s.setClient(req.NewHandle, &client{sector: c.sector, pos: c.pos})
	return Reply{Sector: c.sector}
}

// handleDisconnect releases handle's OpenFile reference, trimming
// byte_length to the high-water mark on the last reference, and forgets
// the handle's client state.
func (s *Server) handleDisconnect(ctx context.Context, req Request) Reply {
	c := s.getClient(req.Handle)
	if c == nil {
		return Reply{}
	}
	s.FS.SyncHandle(req.Handle)
	if err := s.FS.Release(ctx, c.sector, req.Handle); err != nil {
		return errReply(err)
	}
	s.deleteClient(req.Handle)
	if s.Sessions != nil {
		_ = s.Sessions.RecordClose(req.Handle)
	}
	return Reply{}
}

func (s *Server) handleRead(ctx context.Context, sector uint32, pos uint32, count uint32) Reply {
	hdr, _, err := s.FS.ReadHeader(ctx, sector)
	if err != nil {
		return errReply(err)
	}
	dst := make([]byte, count)
	n, err := s.FS.ReadAt(ctx, hdr, pos, dst)
	if err != nil {
		return errReply(err)
	}
	return Reply{Data: dst[:n], N: n}
}

func (s *Server) handleWrite(ctx context.Context, sector uint32, pos uint32, data []byte, handle uint64) Reply {
	hdr, ref, err := s.FS.ReadHeader(ctx, sector)
	if err != nil {
		return errReply(err)
	}
	n, err := s.FS.WriteAt(ctx, hdr, pos, data, handle)
	if err != nil {
		return errReply(err)
	}
	if err := s.FS.WriteHeader(ctx, ref, hdr, handle); err != nil {
		return errReply(err)
	}
	return Reply{N: n}
}

// formatStat renders hdr as the documented newline-separated stat text:
// size=, type=, owner=, inode=, mtime=, perm= — one field per line, the
// same flat key=value shape wstat reads back in applyWstat.
func formatStat(sector uint32, hdr *ondisk.FileHeader) []byte {
	typ := "file"
	if hdr.Type == ondisk.FileTypeDir {
		typ = "dir"
	}
	lines := []string{
		fmt.Sprintf("size=%d", hdr.Length),
		fmt.Sprintf("type=%s", typ),
		fmt.Sprintf("owner=%d", hdr.Owner),
		fmt.Sprintf("inode=%d", sector),
		fmt.Sprintf("mtime=%d", hdr.MTime),
		fmt.Sprintf("perm=%o", hdr.Prot.Default),
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

// applyWstat parses data as newline-separated field=value lines and
// mutates hdr in place. Only owner and perm are settable; size, type,
// inode and mtime are derived and rejected as malformed writes.
func applyWstat(hdr *ondisk.FileHeader, data []byte) error {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			return errors.Wrapf(ErrMalformedField, "%q", line)
		}
		key, val := kv[0], kv[1]
		switch key {
		case "owner":
			owner, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				return errors.Wrapf(ErrMalformedField, "owner=%q", val)
			}
			hdr.Owner = uint32(owner)
		case "perm":
			perm, err := strconv.ParseUint(val, 8, 8)
			if err != nil {
				return errors.Wrapf(ErrMalformedField, "perm=%q", val)
			}
			hdr.Prot.Default = uint8(perm)
		default:
			return errors.Wrapf(ErrMalformedField, "%q", key)
		}
	}
	return nil
}
