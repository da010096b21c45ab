package results

import (
	"context"
	"fmt"
	"io"

	"github.com/hpcloud/tail"

	"github.com/xkilldash9x/slotrunner/api/schemas"
)

// FollowOptions tunes Follow.
type FollowOptions struct {
	// FromStart replays the existing lines before following.
	FromStart bool
	// Poll watches the file by polling instead of inotify.
	Poll bool
	// OnBadLine sees lines that do not decode. Nil skips them silently.
	OnBadLine func(line string, err error)
}

// Follow streams results appended to a JSONL results file into fn until
// ctx ends. The file may not exist yet.
func Follow(ctx context.Context, path string, opts FollowOptions, fn func(schemas.SessionResult)) error {
	cfg := tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      opts.Poll,
		Logger:    tail.DiscardingLogger,
	}
	if !opts.FromStart {
		cfg.Location = &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
	}
	t, err := tail.TailFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to follow %s: %w", path, err)
	}
	defer t.Cleanup()

	for {
		select {
		case <-ctx.Done():
			_ = t.Stop()
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				return fmt.Errorf("failed to read %s: %w", path, line.Err)
			}
			if line.Text == "" {
				continue
			}
			res, err := DecodeLine([]byte(line.Text))
			if err != nil {
				if opts.OnBadLine != nil {
					opts.OnBadLine(line.Text, err)
				}
				continue
			}
			fn(res)
		}
	}
}
