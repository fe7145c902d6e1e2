package capability

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tlvlink/internal/peer"
	"tlvlink/tlv"
)

// ServeFS registers the agent side of fs.getwd and fs.find on p.  dir
// is reported as the working directory and used when a search carries
// no path; empty means the process's own working directory.
func ServeFS(p *peer.Peer, dir string) {
	p.HandleCall(CallFSGetwd, func(context.Context, *tlv.Group) peer.Response {
		wd, err := workdir(dir)
		if err != nil {
			return peer.Fail(tlv.StatusRWError, "%v", err)
		}
		return peer.OK(tlv.NewGroup().AddString(tlv.FieldPath, wd))
	})
	p.HandleCall(CallFSFind, func(ctx context.Context, req *tlv.Group) peer.Response {
		return find(ctx, dir, req)
	})
}

func workdir(dir string) (string, error) {
	if dir != "" {
		return filepath.Abs(dir)
	}
	return os.Getwd()
}

func find(ctx context.Context, dir string, req *tlv.Group) peer.Response {
	keyword, _ := req.GetString(tlv.FieldFilename)
	recursive, _ := req.GetBool(tlv.FieldInt)
	root, _ := req.GetString(tlv.FieldPath)
	if root == "" {
		wd, err := workdir(dir)
		if err != nil {
			return peer.Fail(tlv.StatusRWError, "%v", err)
		}
		root = wd
	}

	var after, before time.Time
	if v, ok := req.GetInt(FieldStartDate); ok {
		after = time.Unix(v, 0)
	}
	if v, ok := req.GetInt(FieldEndDate); ok {
		before = time.Unix(v, 0)
	}

	if _, err := os.Stat(root); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return peer.Fail(tlv.StatusNotFound, "%s: does not exist", root)
		}
		return peer.Fail(tlv.StatusRWError, "%v", err)
	}

	reply := tlv.NewGroup()
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped, not fatal.
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p == root {
			return nil
		}
		if strings.Contains(d.Name(), keyword) {
			fi, err := d.Info()
			if err == nil && inRange(fi.ModTime(), after, before) {
				stat, _ := StatOf(fi).Encode()
				reply.AddGroup(tlv.FieldGroup, tlv.NewGroup().
					AddRaw(tlv.FieldBytes, stat).
					AddString(tlv.FieldFilename, d.Name()).
					AddString(tlv.FieldPath, filepath.Dir(p)))
			}
		}
		if d.IsDir() && !recursive {
			return fs.SkipDir
		}
		return nil
	})
	if err != nil {
		return peer.Fail(tlv.StatusRWError, "%v", err)
	}
	return peer.OK(reply)
}

func inRange(t, after, before time.Time) bool {
	if !after.IsZero() && t.Before(after) {
		return false
	}
	if !before.IsZero() && t.After(before) {
		return false
	}
	return true
}
