// File: internal/tools/file_handler.go
package tools

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"

	"github.com/xkilldash9x/phonepilot/api/schemas"
)

// FileHandler serves headless runs: questions and answers are appended to an
// outbox file and replies are read from lines appended to a reply file.
type FileHandler struct {
	logger    *zap.Logger
	outbox    string
	replyPath string
	t         *tail.Tail
	mu        sync.Mutex
	// abandoned marks a prompt that ended without a reply.
	abandoned bool
}

// NewFileHandler starts following replyPath. Only lines written after this call count as replies.
// poll selects stat polling instead of inotify, which some filesystems need.
func NewFileHandler(replyPath, outbox string, poll bool, logger *zap.Logger) (*FileHandler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var offset int64
	if fi, err := os.Stat(replyPath); err == nil {
		offset = fi.Size()
	}
	t, err := tail.TailFile(replyPath, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      poll,
		Location:  &tail.SeekInfo{Offset: offset, Whence: io.SeekStart},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to follow reply file: %w", err)
	}
	return &FileHandler{
		logger:    logger.Named("ask-file"),
		outbox:    outbox,
		replyPath: replyPath,
		t:         t,
	}, nil
}

// PromptUser records the question and waits for the next reply line.
// Replies to an earlier question that timed out are skipped.
func (f *FileHandler) PromptUser(ctx context.Context, question string) (string, error) {
	f.mu.Lock()
	var staleBefore time.Time
	if f.abandoned {
		staleBefore = time.Now()
		f.abandoned = false
	}
	f.mu.Unlock()

	if err := f.write("QUESTION", question); err != nil {
		return "", err
	}
	f.logger.Info("Waiting for reply", zap.String("reply_file", f.replyPath), zap.String("question", question))

	for {
		select {
		case <-ctx.Done():
			f.mu.Lock()
			f.abandoned = true
			f.mu.Unlock()
			return "", ctx.Err()
		case line, ok := <-f.t.Lines:
			if !ok {
				return "", fmt.Errorf("reply file watcher stopped")
			}
			if line.Err != nil {
				f.logger.Warn("Error reading reply file", zap.Error(line.Err))
				continue
			}
			if line.Time.Before(staleBefore) {
				f.logger.Debug("Dropping reply to an earlier question", zap.String("line", line.Text))
				continue
			}
			reply := strings.TrimSpace(line.Text)
			if reply == "" {
				continue
			}
			if reply == CancelCommand {
				return "", schemas.ErrUserCancelled
			}
			return reply, nil
		}
	}
}

// Notify records an answer in the outbox.
func (f *FileHandler) Notify(_ context.Context, text string) error {
	return f.write("ANSWER", text)
}

// Close stops following the reply file.
func (f *FileHandler) Close() error {
	err := f.t.Stop()
	f.t.Cleanup()
	return err
}

func (f *FileHandler) write(kind, text string) error {
	if f.outbox == "" {
		f.logger.Info(strings.ToLower(kind), zap.String("text", text))
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fh, err := os.OpenFile(f.outbox, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open outbox: %w", err)
	}
	defer fh.Close()
	_, err = fmt.Fprintf(fh, "%s %s: %s\n", time.Now().UTC().Format(time.RFC3339), kind, oneLine(text))
	return err
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
