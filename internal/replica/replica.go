// Package replica gives the flat replicated documents of the docs engine the
// shape of a file tree. Paths map to entry keys through pathkey; every write
// is signed with the engine's default author.
package replica

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/multierr"

	"okufs/internal/blobs"
	"okufs/internal/docs"
	"okufs/internal/ids"
	"okufs/internal/logger"
	"okufs/internal/pathkey"
	"okufs/internal/ticket"
	"okufs/internal/watch"
)

var (
	// ErrNotFound is returned when no live entry exists at a path.
	ErrNotFound = errors.New("file not found")

	// ErrNoReplica is returned when a namespace is not held locally.
	ErrNoReplica = errors.New("replica not held")
)

// OpError names the store operation that failed.
type OpError struct {
	Op  string // Op is one of open, list, read, write, delete, share
	Err error  // Err is the underlying failure
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s replica:\n%v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Store is the file-system view over the document engine.
type Store struct {
	engine   *docs.Engine    // engine holds replicas and entries
	blobs    *blobs.Store    // blobs holds file content
	notifier *watch.Notifier // notifier is poked when the replica set changes

	// beforeMoveDelete runs between the write and the delete of MoveFile.
	beforeMoveDelete func() error
}

// New returns a store over engine. A nil notifier disables change notifications.
func New(engine *docs.Engine, bs *blobs.Store, notifier *watch.Notifier) *Store {
	return &Store{engine: engine, blobs: bs, notifier: notifier}
}

// Notifier returns the change notifier, possibly nil.
func (s *Store) Notifier() *watch.Notifier {
	return s.notifier
}

// notify signals that the set of replicas changed.
func (s *Store) notify() {
	if s.notifier != nil {
		s.notifier.Notify()
	}
}

// Create mints a new replica held with write access.
func (s *Store) Create() (ids.NamespaceID, error) {
	r, err := s.engine.Create()
	if err != nil {
		return ids.NamespaceID{}, &OpError{Op: "write", Err: err}
	}

	logger.Info("replica created", "id", r.ID().FmtShort())
	s.notify()

	return r.ID(), nil
}

// Delete forgets a replica and its entries.
func (s *Store) Delete(id ids.NamespaceID) error {
	if err := s.engine.Drop(id); err != nil {
		return &OpError{Op: "delete", Err: notHeld(err)}
	}

	logger.Info("replica deleted", "id", id.FmtShort())
	s.notify()

	return nil
}

// Import stores a capability, merging it with the one already held.
func (s *Store) Import(capability ticket.Capability) (*docs.Replica, error) {
	r, err := s.engine.ImportNamespace(capability)
	if err != nil {
		return nil, &OpError{Op: "write", Err: err}
	}

	s.notify()

	return r, nil
}

// List returns every held replica with its capability kind.
func (s *Store) List() ([]docs.ReplicaInfo, error) {
	infos, err := s.engine.List()
	if err != nil {
		return nil, &OpError{Op: "list", Err: err}
	}

	return infos, nil
}

// Capability returns the kind of access held for id.
func (s *Store) Capability(id ids.NamespaceID) (ticket.CapabilityKind, error) {
	infos, err := s.List()
	if err != nil {
		return 0, err
	}

	for _, info := range infos {
		if info.ID == id {
			return info.Kind, nil
		}
	}

	return 0, fmt.Errorf("capability of %s: %w", id.FmtShort(), ErrNoReplica)
}

// Open returns the engine handle for id.
func (s *Store) Open(id ids.NamespaceID) (*docs.Replica, error) {
	r, err := s.engine.Open(id)
	if err != nil {
		return nil, &OpError{Op: "open", Err: notHeld(err)}
	}

	return r, nil
}

// ListFiles returns the live entries under dir, every live entry when dir is empty.
func (s *Store) ListFiles(id ids.NamespaceID, dir string) ([]docs.Entry, error) {
	r, err := s.Open(id)
	if err != nil {
		return nil, err
	}

	q := docs.LatestPerKey()
	if dir != "" {
		q = q.Prefix(pathkey.ToPrefixKey(dir))
	}

	entries, err := r.GetMany(q)
	if err != nil {
		return nil, &OpError{Op: "list", Err: err}
	}

	return entries, nil
}

// Write stores data at path and returns its content hash.
func (s *Store) Write(id ids.NamespaceID, path string, data []byte) (ids.Hash, error) {
	r, err := s.Open(id)
	if err != nil {
		return ids.Hash{}, err
	}

	h, err := r.SetBytes(s.engine.DefaultAuthor(), pathkey.ToFileKey(path), data)
	if err != nil {
		return ids.Hash{}, &OpError{Op: "write", Err: err}
	}

	logger.Debug("file written",
		"replica", id.FmtShort(),
		"path", pathkey.Normalize(path),
		"size", len(data),
	)

	return h, nil
}

// Entry returns the live entry at path.
func (s *Store) Entry(id ids.NamespaceID, path string) (docs.Entry, error) {
	r, err := s.Open(id)
	if err != nil {
		return docs.Entry{}, err
	}

	entry, err := r.GetOne(docs.LatestPerKey().Exact(pathkey.ToFileKey(path)))
	if err != nil {
		return docs.Entry{}, &OpError{Op: "read", Err: err}
	}

	if entry == nil {
		return docs.Entry{}, fmt.Errorf("%s: %w", pathkey.Normalize(path), ErrNotFound)
	}

	return *entry, nil
}

// Read returns the content of the file at path.
func (s *Store) Read(id ids.NamespaceID, path string) ([]byte, error) {
	entry, err := s.Entry(id, path)
	if err != nil {
		return nil, err
	}

	data, err := s.blobs.Get(entry.Hash)
	if err != nil {
		return nil, &OpError{Op: "read", Err: err}
	}

	return data, nil
}

// DeleteFile removes the file at path and returns the number of entries removed.
func (s *Store) DeleteFile(id ids.NamespaceID, path string) (int, error) {
	entry, err := s.Entry(id, path)
	if err != nil {
		return 0, err
	}

	return s.deleteEntry(id, entry)
}

// deleteEntry tombstones entry's exact key as entry's author.
func (s *Store) deleteEntry(id ids.NamespaceID, entry docs.Entry) (int, error) {
	r, err := s.Open(id)
	if err != nil {
		return 0, err
	}

	n, err := r.Del(entry.Author, entry.Key)
	if err != nil {
		return 0, &OpError{Op: "delete", Err: err}
	}

	return n, nil
}

// FileMove records which steps of a file move completed.
type FileMove struct {
	From    string   `json:"from"`            // From is the source path
	To      string   `json:"to"`              // To is the destination path
	Hash    ids.Hash `json:"hash"`            // Hash is the content hash, set once written
	Written bool     `json:"written"`         // Written is true when the destination exists
	Deleted int      `json:"deleted"`         // Deleted is the number of source entries removed
	Error   string   `json:"error,omitempty"` // Error is the text of Err
	Err     error    `json:"-"`               // Err is the failure, nil when both steps completed
}

// fail records err on the move and returns it.
func (m *FileMove) fail(err error) error {
	m.Err = err
	m.Error = err.Error()
	return err
}

// MoveFile copies a file to its destination and then deletes the source.
// The move is not atomic: on failure after the write both copies exist,
// which the returned FileMove reports.
func (s *Store) MoveFile(fromID ids.NamespaceID, fromPath string, toID ids.NamespaceID, toPath string) (FileMove, error) {
	m := FileMove{From: pathkey.Normalize(fromPath), To: pathkey.Normalize(toPath)}

	// Moving a file onto itself leaves it in place.
	if fromID == toID && m.From == m.To {
		entry, err := s.Entry(fromID, fromPath)
		if err != nil {
			return m, m.fail(fmt.Errorf("read %s:\n%w", m.From, err))
		}

		m.Hash = entry.Hash
		m.Written = true
		return m, nil
	}

	data, err := s.Read(fromID, fromPath)
	if err != nil {
		return m, m.fail(fmt.Errorf("read %s:\n%w", m.From, err))
	}

	m.Hash, err = s.Write(toID, toPath, data)
	if err != nil {
		return m, m.fail(fmt.Errorf("write %s:\n%w", m.To, err))
	}
	m.Written = true

	if s.beforeMoveDelete != nil {
		if err := s.beforeMoveDelete(); err != nil {
			return m, m.fail(err)
		}
	}

	m.Deleted, err = s.DeleteFile(fromID, fromPath)
	if err != nil {
		return m, m.fail(fmt.Errorf("delete %s:\n%w", m.From, err))
	}

	return m, nil
}

// DirectoryMove aggregates the per-file results of a directory move.
type DirectoryMove struct {
	Files   []FileMove `json:"files"`   // Files holds one result per source file
	Deleted int        `json:"deleted"` // Deleted sums the source entries removed
}

// Hashes returns the destination hashes of the files that were written.
func (m DirectoryMove) Hashes() []ids.Hash {
	var out []ids.Hash
	for _, f := range m.Files {
		if f.Written {
			out = append(out, f.Hash)
		}
	}
	return out
}

// Failed returns the moves that did not complete.
func (m DirectoryMove) Failed() []FileMove {
	var out []FileMove
	for _, f := range m.Files {
		if f.Err != nil || f.Error != "" {
			out = append(out, f)
		}
	}
	return out
}

// MoveDirectory moves every file under fromDir to toDir, keeping each file's
// base name. Failed files do not stop the move and nothing is rolled back;
// the returned error combines every per-file failure.
func (s *Store) MoveDirectory(fromID ids.NamespaceID, fromDir string, toID ids.NamespaceID, toDir string) (DirectoryMove, error) {
	var out DirectoryMove

	if _, err := s.Open(fromID); err != nil {
		return out, err
	}

	// Moving a directory onto itself leaves it in place.
	if fromID == toID && pathkey.Normalize(fromDir) == pathkey.Normalize(toDir) {
		return out, nil
	}

	files, err := s.ListFiles(fromID, pathkey.Normalize(fromDir))
	if err != nil {
		return out, err
	}

	var errs error
	for _, f := range files {
		from, err := pathkey.FromFileKey(f.Key)
		if err != nil {
			var m FileMove
			errs = multierr.Append(errs, m.fail(fmt.Errorf("decode key %q:\n%w", f.Key, err)))
			out.Files = append(out.Files, m)
			continue
		}

		m, err := s.MoveFile(fromID, from, toID, pathkey.Join(toDir, pathkey.Base(from)))
		out.Files = append(out.Files, m)
		out.Deleted += m.Deleted
		errs = multierr.Append(errs, err)
	}

	if errs != nil {
		logger.Warn("directory move incomplete",
			"from", pathkey.Normalize(fromDir),
			"to", pathkey.Normalize(toDir),
			"failed", len(out.Failed()),
			"total", len(out.Files),
		)
	}

	return out, errs
}

// DeleteDirectory deletes every live file under dir. When a deletion fails it
// stops and returns the number of entries removed so far with the error.
func (s *Store) DeleteDirectory(id ids.NamespaceID, dir string) (int, error) {
	files, err := s.ListFiles(id, pathkey.Normalize(dir))
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, f := range files {
		n, err := s.deleteEntry(id, f)
		if err != nil {
			return deleted, fmt.Errorf("delete directory %s:\n%w", pathkey.Normalize(dir), err)
		}
		deleted += n
	}

	return deleted, nil
}

// OldestTimestamp returns the oldest timestamp among the entries at path,
// across authors, or 0 when there are none.
func (s *Store) OldestTimestamp(id ids.NamespaceID, path string) (uint64, error) {
	r, err := s.Open(id)
	if err != nil {
		return 0, err
	}

	entries, err := r.GetMany(docs.AllEntries().Exact(pathkey.ToFileKey(path)))
	if err != nil {
		return 0, &OpError{Op: "list", Err: err}
	}

	return minTimestamp(entries, func(e docs.Entry) uint64 { return e.Timestamp }), nil
}

// OldestTimestampInFolder returns the oldest entry timestamp of any file under dir.
func (s *Store) OldestTimestampInFolder(id ids.NamespaceID, dir string) (uint64, error) {
	files, err := s.ListFiles(id, pathkey.Normalize(dir))
	if err != nil {
		return 0, err
	}

	oldest := uint64(math.MaxUint64)
	for _, f := range files {
		p, err := pathkey.FromFileKey(f.Key)
		if err != nil {
			return 0, err
		}

		ts, err := s.OldestTimestamp(id, p)
		if err != nil {
			return 0, err
		}
		oldest = min(oldest, ts)
	}

	if len(files) == 0 {
		return 0, nil
	}

	return oldest, nil
}

// OldestTimestampAll returns the oldest entry timestamp across every replica.
func (s *Store) OldestTimestampAll() (uint64, error) {
	return s.foldReplicas(math.MaxUint64, s.OldestTimestampInFolder, func(a, b uint64) uint64 { return min(a, b) })
}

// NewestTimestampInFolder returns the newest timestamp of any live file under dir.
func (s *Store) NewestTimestampInFolder(id ids.NamespaceID, dir string) (uint64, error) {
	files, err := s.ListFiles(id, pathkey.Normalize(dir))
	if err != nil {
		return 0, err
	}

	var newest uint64
	for _, f := range files {
		newest = max(newest, f.Timestamp)
	}

	return newest, nil
}

// NewestTimestampAll returns the newest live entry timestamp across every replica.
func (s *Store) NewestTimestampAll() (uint64, error) {
	return s.foldReplicas(0, s.NewestTimestampInFolder, func(a, b uint64) uint64 { return max(a, b) })
}

// FolderSize sums the content lengths of the live files under dir.
func (s *Store) FolderSize(id ids.NamespaceID, dir string) (uint64, error) {
	files, err := s.ListFiles(id, pathkey.Normalize(dir))
	if err != nil {
		return 0, err
	}

	return sumLen(files), nil
}

// Size sums the content lengths of the live files of every replica.
func (s *Store) Size() (uint64, error) {
	return s.foldReplicas(0, s.FolderSize, func(a, b uint64) uint64 { return a + b })
}

// ShareReplica returns a ticket for id granting mode.
func (s *Store) ShareReplica(id ids.NamespaceID, mode ticket.ShareMode) (ticket.DocTicket, error) {
	r, err := s.Open(id)
	if err != nil {
		return ticket.DocTicket{}, err
	}

	t, err := r.Share(mode)
	if err != nil {
		return ticket.DocTicket{}, &OpError{Op: "share", Err: err}
	}

	return t, nil
}

// ShareFiles returns a blob ticket for every live file at or under path,
// with the summed content length.
func (s *Store) ShareFiles(id ids.NamespaceID, path string) ([]ticket.BlobTicket, uint64, error) {
	r, err := s.Open(id)
	if err != nil {
		return nil, 0, err
	}

	var entries []docs.Entry
	for _, f := range pathkey.ScopeFilters(path) {
		q := docs.LatestPerKey().Exact(f.Key)
		if f.Prefix {
			q = docs.LatestPerKey().Prefix(f.Key)
		}

		matched, err := r.GetMany(q)
		if err != nil {
			return nil, 0, &OpError{Op: "share", Err: err}
		}
		entries = append(entries, matched...)
	}

	tickets := make([]ticket.BlobTicket, 0, len(entries))
	for _, e := range entries {
		tickets = append(tickets, s.blobs.Share(e.Hash, ticket.FormatRaw))
	}

	return tickets, sumLen(entries), nil
}

// foldReplicas combines per-replica folder values over the root of every replica.
func (s *Store) foldReplicas(
	identity uint64,
	perReplica func(ids.NamespaceID, string) (uint64, error),
	combine func(a, b uint64) uint64,
) (uint64, error) {
	infos, err := s.List()
	if err != nil {
		return 0, err
	}

	acc := identity
	seen := false
	for _, info := range infos {
		files, err := s.ListFiles(info.ID, "")
		if err != nil {
			return 0, err
		}
		if len(files) == 0 {
			continue
		}

		v, err := perReplica(info.ID, "/")
		if err != nil {
			return 0, err
		}
		acc = combine(acc, v)
		seen = true
	}

	if !seen {
		return 0, nil
	}

	return acc, nil
}

func minTimestamp(entries []docs.Entry, ts func(docs.Entry) uint64) uint64 {
	if len(entries) == 0 {
		return 0
	}

	oldest := ts(entries[0])
	for _, e := range entries[1:] {
		oldest = min(oldest, ts(e))
	}
	return oldest
}

func sumLen(entries []docs.Entry) uint64 {
	var total uint64
	for _, e := range entries {
		total += e.Len
	}
	return total
}

// notHeld maps the engine's missing-namespace error to ErrNoReplica.
func notHeld(err error) error {
	if errors.Is(err, docs.ErrReplicaNotFound) {
		return fmt.Errorf("%w: %w", ErrNoReplica, err)
	}
	return err
}
