package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"medot/internal/app"
	"medot/internal/panel"
	"medot/internal/session"
)

const (
	prompt       = "질문을 입력하세요: "
	resultLabel  = "결과: "
	failureLabel = "요청 실패: "
	helpText     = `명령:
  <질문>           질문을 보냅니다
  :file <경로>     녹음 파일을 선택합니다
  :summarize       선택한 녹음 파일을 요약합니다
  :show            현재 상태를 보여줍니다
  :reset           상태를 초기화합니다
  :quit            종료합니다`

	// Longest line accepted, so pasted questions fit.
	maxLineSize = 1 << 20
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.BuildTo(ctx, os.Stderr)
	if err != nil {
		slog.Default().Error("failed to build dependencies", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			deps.Log.Warn("failed to release dependencies", "err", err)
		}
	}()

	t := &terminal{
		panel:           deps.Panel,
		sessionID:       uuid.NewString(),
		in:              newLineScanner(os.Stdin),
		out:             os.Stdout,
		readFile:        os.ReadFile,
		surfaceFailures: deps.Config.SurfaceFailures,
	}
	if err := t.run(ctx); err != nil {
		deps.Log.Error("terminal panel stopped", "err", err)
	}
}

// terminal is the query panel on a line-oriented console.
type terminal struct {
	panel           *panel.Panel
	sessionID       string
	in              *bufio.Scanner
	out             io.Writer
	readFile        func(string) ([]byte, error)
	surfaceFailures bool
}

func newLineScanner(r io.Reader) *bufio.Scanner {
	in := bufio.NewScanner(r)
	in.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), maxLineSize)
	return in
}

// run reads lines until :quit, end of input or ctx is done. Input is read on
// its own goroutine so a cancel ends the loop while a read is blocked; that
// goroutine stays parked on the reader until it returns.
func (t *terminal) run(ctx context.Context) error {
	lines := make(chan string)
	var scanErr error
	go func() {
		defer close(lines)
		for t.in.Scan() {
			select {
			case lines <- t.in.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr = t.in.Err()
	}()

	for {
		fmt.Fprint(t.out, prompt)
		select {
		case <-ctx.Done():
			fmt.Fprintln(t.out)
			return nil
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(t.out)
				return scanErr
			}
			quit, err := t.handle(ctx, line)
			if err != nil {
				return err
			}
			if quit {
				return nil
			}
		}
	}
}

// handle runs one input line. Errors are store failures that lost state;
// backend failures land in the failure slot and only show when surfaced.
func (t *terminal) handle(ctx context.Context, line string) (bool, error) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch cmd {
	case ":quit", ":q":
		return true, nil
	case ":help":
		fmt.Fprintln(t.out, helpText)
		return false, nil
	case ":show":
		return false, t.show(ctx)
	case ":reset":
		return false, t.panel.Reset(ctx, t.sessionID)
	case ":file":
		return false, t.selectFile(ctx, strings.TrimSpace(arg))
	case ":summarize":
		err := t.panel.SubmitFile(ctx, t.sessionID)
		if !panel.Recorded(err) {
			return false, err
		}
		if errors.Is(err, panel.ErrNoFileSelected) {
			fmt.Fprintln(t.out, panel.MissingFileNotice)
			return false, nil
		}
		return false, t.printResult(ctx)
	default:
		// Anything else, unknown :commands included, is a question sent as typed.
		if err := t.panel.SetQuery(ctx, t.sessionID, line); err != nil {
			return false, err
		}
		if err := t.panel.SubmitText(ctx, t.sessionID); !panel.Recorded(err) {
			return false, err
		}
		return false, t.printResult(ctx)
	}
}

func (t *terminal) selectFile(ctx context.Context, path string) error {
	if path == "" {
		fmt.Fprintln(t.out, panel.MissingFileNotice)
		return nil
	}
	data, err := t.readFile(path)
	if err != nil {
		fmt.Fprintf(t.out, "파일을 읽을 수 없습니다: %v\n", err)
		return nil
	}
	name := filepath.Base(path)
	return t.panel.SelectFile(ctx, t.sessionID, session.File{
		Name:        name,
		ContentType: mime.TypeByExtension(filepath.Ext(name)),
		Data:        data,
	})
}

func (t *terminal) printResult(ctx context.Context) error {
	state, err := t.panel.View(ctx, t.sessionID)
	if err != nil {
		return err
	}
	fmt.Fprintln(t.out, resultLabel+state.Response)
	if t.surfaceFailures && state.HasFailure() {
		fmt.Fprintln(t.out, failureLabel+state.Failure.Message)
	}
	return nil
}

func (t *terminal) show(ctx context.Context) error {
	state, err := t.panel.View(ctx, t.sessionID)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.out, "질문: %s\n", state.Query)
	if state.File != nil {
		fmt.Fprintf(t.out, "선택된 파일: %s (%d bytes)\n", state.File.Name, len(state.File.Data))
	}
	fmt.Fprintln(t.out, resultLabel+state.Response)
	if state.HasFailure() {
		fmt.Fprintln(t.out, failureLabel+state.Failure.Message)
	}
	return nil
}
