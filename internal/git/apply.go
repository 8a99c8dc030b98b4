package git

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5"
)

// applyMbox attempts a library-level apply first, and only invokes the
// external git binary when the library refuses. This is deliberate —
// go-git exposes no "git am"-equivalent porcelain, and its patch handling is
// strictly less permissive than the real thing (no fuzz, no rename
// detection, no binary hunks), so most real-world series fall through to
// the binary. That is expected, not a bug.
func applyMbox(ctx context.Context, wt *git.Worktree, worktreePath string, mbox []byte) error {
	diffs, err := parseMboxDiffs(mbox)
	if err == nil {
		if applyErr := applySimpleDiffs(wt, worktreePath, diffs); applyErr == nil {
			return nil
		}
	}

	if err := runGitApply(ctx, worktreePath, mbox, "apply", "--check"); err != nil {
		return fmt.Errorf("git apply --check: %w", err)
	}
	if err := runGitApply(ctx, worktreePath, mbox, "apply", "--index"); err != nil {
		return fmt.Errorf("git apply --index (after check succeeded): %w", err)
	}
	return nil
}

// runGitApply shells out to the git binary with mbox fed on stdin; both
// the --check and --index invocations read the mbox from stdin.
func runGitApply(ctx context.Context, worktreePath string, mbox []byte, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = worktreePath
	cmd.Stdin = bytes.NewReader(mbox)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, stderr.String())
	}
	return nil
}

// fileDiff is one file's unified-diff hunks, understood only well enough to
// apply clean, unambiguous additions and context-preserving modifications.
// Anything it cannot confidently parse (git's extended headers for new
// files, renames and mode changes, binary diffs) or apply exactly (fuzzy
// context) is rejected so the git-binary fallback handles it instead.
type fileDiff struct {
	path  string
	hunks []hunk
}

type hunk struct {
	oldStart int
	lines    []diffLine
}

type diffLine struct {
	kind byte // ' ', '+', or '-'
	text string
}

// parseMboxDiffs extracts the unified diff hunks embedded in an mbox blob.
// It understands exactly one style: lines beginning "--- a/<path>" /
// "+++ b/<path>" followed by "@@ -l,n +l,n @@" hunks, one such block per
// file touched; the "diff --git" and "index" lines git writes before each
// block are skipped. git's extended headers for new files, renames and mode
// changes, and binary patches, return an error so the caller falls back to
// the git binary.
func parseMboxDiffs(mbox []byte) ([]fileDiff, error) {
	scanner := bufio.NewScanner(bytes.NewReader(mbox))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var diffs []fileDiff
	var current *fileDiff
	var curHunk *hunk

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "--- a/"), strings.HasPrefix(line, "--- /dev/null"),
			strings.HasPrefix(line, "diff --git"), strings.HasPrefix(line, "index "):
			continue
		case strings.HasPrefix(line, "+++ b/"):
			if current != nil {
				if curHunk != nil {
					current.hunks = append(current.hunks, *curHunk)
					curHunk = nil
				}
				diffs = append(diffs, *current)
			}
			path := strings.TrimPrefix(line, "+++ b/")
			current = &fileDiff{path: path}
		case strings.HasPrefix(line, "@@ "):
			if current == nil {
				return nil, fmt.Errorf("hunk header before any file header")
			}
			if curHunk != nil {
				current.hunks = append(current.hunks, *curHunk)
			}
			start, err := parseHunkOldStart(line)
			if err != nil {
				return nil, err
			}
			curHunk = &hunk{oldStart: start}
		case strings.HasPrefix(line, "new file mode"), strings.HasPrefix(line, "old mode"),
			strings.HasPrefix(line, "new mode"), strings.HasPrefix(line, "similarity index"),
			strings.HasPrefix(line, "rename from"), strings.HasPrefix(line, "rename to"),
			strings.HasPrefix(line, "GIT binary patch"):
			return nil, fmt.Errorf("extended git diff header not supported by the library-level applier: %q", line)
		case curHunk != nil && len(line) > 0 && (line[0] == ' ' || line[0] == '+' || line[0] == '-'):
			curHunk.lines = append(curHunk.lines, diffLine{kind: line[0], text: line[1:]})
		case curHunk != nil && line == "":
			curHunk.lines = append(curHunk.lines, diffLine{kind: ' ', text: ""})
		}
	}
	if curHunk != nil && current != nil {
		current.hunks = append(current.hunks, *curHunk)
	}
	if current != nil {
		diffs = append(diffs, *current)
	}
	if len(diffs) == 0 {
		return nil, fmt.Errorf("no recognisable unified diff found")
	}
	return diffs, nil
}

func parseHunkOldStart(header string) (int, error) {
	// "@@ -l,n +l,n @@ ..." — extract the old-file start line.
	fields := strings.Fields(header)
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed hunk header %q", header)
	}
	oldRange := strings.TrimPrefix(fields[1], "-")
	parts := strings.SplitN(oldRange, ",", 2)
	return strconv.Atoi(parts[0])
}

// applySimpleDiffs applies every parsed fileDiff and stages the result,
// only succeeding when every hunk in every file's context lines match
// exactly (no fuzz). All hunks are computed purely in memory first and the
// worktree's filesystem is only touched once every file in the series has
// applied cleanly — a single uncomputable hunk must leave the worktree
// exactly as it was, since the caller falls through to the git-binary
// fallback against what it assumes is still the pristine base.
func applySimpleDiffs(wt *git.Worktree, worktreePath string, diffs []fileDiff) error {
	patched := make(map[string][]byte, len(diffs))
	for _, fd := range diffs {
		full := filepath.Join(worktreePath, fd.path)
		original, err := os.ReadFile(full)
		if err != nil {
			original = nil // treated as a new-file patch
		}
		content, err := applyHunks(original, fd.hunks)
		if err != nil {
			return err
		}
		patched[fd.path] = content
	}

	for _, fd := range diffs {
		full := filepath.Join(worktreePath, fd.path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(full, patched[fd.path], 0o644); err != nil {
			return err
		}
		if _, err := wt.Add(fd.path); err != nil {
			return fmt.Errorf("stage %s: %w", fd.path, err)
		}
	}
	return nil
}

// applyHunks applies a sequence of unified-diff hunks to original, requiring
// exact context-line matches; any mismatch is treated as a failure for the
// library path, not a fuzzy best-effort merge.
func applyHunks(original []byte, hunks []hunk) ([]byte, error) {
	var srcLines []string
	if len(original) > 0 {
		srcLines = strings.Split(strings.TrimSuffix(string(original), "\n"), "\n")
	}

	var out []string
	cursor := 0 // 0-indexed position in srcLines already emitted

	for _, h := range hunks {
		start := h.oldStart - 1
		if start < 0 {
			start = 0
		}
		if start > len(srcLines) {
			return nil, fmt.Errorf("hunk starts past end of file")
		}
		out = append(out, srcLines[cursor:start]...)
		cursor = start

		for _, dl := range h.lines {
			switch dl.kind {
			case ' ':
				if cursor >= len(srcLines) || srcLines[cursor] != dl.text {
					return nil, fmt.Errorf("context mismatch applying hunk at line %d", cursor+1)
				}
				out = append(out, srcLines[cursor])
				cursor++
			case '-':
				if cursor >= len(srcLines) || srcLines[cursor] != dl.text {
					return nil, fmt.Errorf("deletion mismatch applying hunk at line %d", cursor+1)
				}
				cursor++
			case '+':
				out = append(out, dl.text)
			}
		}
	}
	out = append(out, srcLines[cursor:]...)
	return []byte(strings.Join(out, "\n") + "\n"), nil
}
