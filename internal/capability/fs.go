package capability

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fxamacker/cbor/v2"

	"tlvlink/internal/channel"
	tlerr "tlvlink/internal/errors"
	"tlvlink/internal/session"
	"tlvlink/internal/task"
	"tlvlink/tlv"
)

// FileStat is the stat blob carried in each search hit.
type FileStat struct {
	Mode    uint32 `cbor:"1,keyasint"` // fs.FileMode bits
	Size    int64  `cbor:"2,keyasint"`
	ModTime int64  `cbor:"3,keyasint"` // unix seconds
}

// StatOf converts local file info.
func StatOf(fi fs.FileInfo) FileStat {
	return FileStat{Mode: uint32(fi.Mode()), Size: fi.Size(), ModTime: fi.ModTime().Unix()}
}

func (s FileStat) FileMode() fs.FileMode { return fs.FileMode(s.Mode) }
func (s FileStat) Modified() time.Time   { return time.Unix(s.ModTime, 0) }

// Encode returns the CBOR form sent on the wire.
func (s FileStat) Encode() ([]byte, error) { return cbor.Marshal(s) }

// DecodeStat parses a stat blob.
func DecodeStat(b []byte) (FileStat, error) {
	var s FileStat
	err := cbor.Unmarshal(b, &s)
	return s, err
}

// Hit is one search result.
type Hit struct {
	Name string
	Dir  string
	Stat FileStat
}

// FindOptions select what fs.find searches for.
type FindOptions struct {
	Keyword   string
	Path      string // empty means the agent's working directory
	Recursive bool
	After     time.Time // zero: no lower bound on mtime
	Before    time.Time // zero: no upper bound
}

// Getwd returns the agent's working directory.
func Getwd(ctx context.Context, c channel.Caller) (string, error) {
	res, err := c.Call(ctx, CallFSGetwd, nil)
	if err != nil {
		return "", err
	}
	dir, ok := res.Reply.GetString(tlv.FieldPath)
	if !ok {
		return "", &tlerr.ProtocolError{Op: "fs.getwd", Err: fmt.Errorf("reply has no path")}
	}
	return dir, nil
}

func (o FindOptions) args() *tlv.Group {
	g := tlv.NewGroup().
		AddString(tlv.FieldFilename, o.Keyword).
		AddBool(tlv.FieldInt, o.Recursive).
		AddString(tlv.FieldPath, o.Path)
	if !o.After.IsZero() {
		g.AddInt(FieldStartDate, o.After.Unix())
	}
	if !o.Before.IsZero() {
		g.AddInt(FieldEndDate, o.Before.Unix())
	}
	return g
}

// Find runs fs.find and blocks until the agent replies.  opts.Path must
// be set; FindAsync fills it in from Getwd.  A result row without a
// name or directory fails the whole call with ErrProtocol.
func Find(ctx context.Context, c channel.Caller, opts FindOptions) ([]Hit, error) {
	res, err := c.Call(ctx, CallFSFind, opts.args())
	if err != nil {
		return nil, err
	}

	var hits []Hit
	for {
		row, ok := res.Reply.GetGroup(tlv.FieldGroup)
		if !ok {
			break
		}
		name, okName := row.GetString(tlv.FieldFilename)
		dir, okDir := row.GetString(tlv.FieldPath)
		if !okName || !okDir {
			return nil, &tlerr.ProtocolError{Op: "fs.find", Err: fmt.Errorf("result row %d has no filename or path", len(hits))}
		}
		h := Hit{Name: name, Dir: dir}
		if blob, ok := row.GetRaw(tlv.FieldBytes); ok {
			// An unreadable stat still lists the name.
			h.Stat, _ = DecodeStat(blob)
		}
		hits = append(hits, h)
	}
	return hits, nil
}

// FindAsync resolves the search root and starts the search on a
// background task owned by sess.  The caller polls the future.
func FindAsync(ctx context.Context, sess *session.Session, opts FindOptions) (*task.Future[[]Hit], error) {
	if opts.Path == "" {
		wd, err := Getwd(ctx, sess)
		if err != nil {
			return nil, fmt.Errorf("resolve search root: %w", err)
		}
		opts.Path = wd
	}
	f := task.Run("find "+opts.Keyword, func(*task.Task) ([]Hit, error) {
		return Find(sess.Context(), sess, opts)
	})
	sess.Track(f.Task)
	return f, nil
}

// ── Commands ─────────────────────────────────────────────────────────

// GetwdCommand prints the agent's working directory.
type GetwdCommand struct {
	Out io.Writer
}

func (g *GetwdCommand) Handle(ctx context.Context, sess *session.Session) error {
	dir, err := Getwd(ctx, sess)
	if err != nil {
		return err
	}
	fmt.Fprintln(g.Out, dir)
	return nil
}

// FindCommand searches the agent's filesystem while drawing a spinner
// on Progress, then prints a table of hits on Out.
type FindCommand struct {
	Options  FindOptions
	Out      io.Writer
	Progress io.Writer     // nil: no spinner
	Interval time.Duration // spinner period, default 100ms
}

const searchBanner = "Searching for results... "

func (f *FindCommand) Handle(ctx context.Context, sess *session.Session) error {
	wd, err := Getwd(ctx, sess)
	if err != nil {
		return err
	}
	opts := f.Options
	if opts.Path == "" {
		opts.Path = wd
	}

	fut, err := FindAsync(ctx, sess, opts)
	if err != nil {
		return err
	}

	interval := f.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	var tick func(string)
	if f.Progress != nil {
		tick = func(frame string) { fmt.Fprintf(f.Progress, "\r%s%s", searchBanner, frame) }
	}
	hits, err := fut.Poll(ctx, interval, tick)
	if f.Progress != nil {
		fmt.Fprintf(f.Progress, "\r%*s\r", len(searchBanner)+1, "")
	}
	if err != nil {
		return fmt.Errorf("find %q in %s: %w", opts.Keyword, opts.Path, err)
	}

	WriteHits(f.Out, hits, wd)
	return nil
}

// WriteHits prints hits as a table sorted by path.  Hits under cwd are
// shown relative to it.
func WriteHits(w io.Writer, hits []Hit, cwd string) {
	rows := make([]Hit, len(hits))
	copy(rows, hits)
	sort.Slice(rows, func(i, j int) bool {
		return path.Join(rows[i].Dir, rows[i].Name) < path.Join(rows[j].Dir, rows[j].Name)
	})

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Mode\tSize\tModified\tName")
	for _, h := range rows {
		dir := h.Dir
		if dir == cwd {
			dir = "."
		} else if rel, ok := strings.CutPrefix(dir, cwd+"/"); ok {
			dir = rel
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n",
			h.Stat.FileMode(), h.Stat.Size,
			h.Stat.Modified().Format("2006-01-02 15:04"),
			path.Join(dir, h.Name))
	}
	tw.Flush() //nolint:errcheck
	fmt.Fprintf(w, "%d result(s)\n", len(rows))
}
