// Package fifocmd owns the command named pipe: creating it, reading
// whole messages, tokenizing them on whitespace, and handing back a
// parsed Command for internal/controller to execute.
package fifocmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/llcset/llcset/internal/touch"
)

// maxMessageBytes bounds a single FIFO message, matching the
// original's 4 KiB read buffer (spec.md §6 "Command FIFO").
const maxMessageBytes = 1 << 12

// ErrUnknownOperation is raised for a verb or touch-subcommand the
// grammar doesn't recognize.
var ErrUnknownOperation = errors.New("fifocmd: unknown operation")

// ErrOutOfTokens is raised when a subcommand expects an argument that
// isn't there.
var ErrOutOfTokens = errors.New("fifocmd: out of tokens")

// ErrQueue wraps failures creating, opening, or reading the FIFO
// itself.
var ErrQueue = errors.New("fifocmd: queue error")

// Kind distinguishes the handful of top-level verbs the grammar
// supports.
type Kind int

const (
	KindQuit Kind = iota
	KindTouch
	KindClean
)

// Command is one fully parsed FIFO message.
type Command struct {
	Kind  Kind
	Job   touch.Job // populated when Kind == KindTouch
	Multi int       // worker fan-out count for KindTouch; defaults to 1
	Clean int        // populated when Kind == KindClean
	RunID string
}

// Queue owns the named pipe's lifecycle: create at Open, read whole
// messages with ReadCommand, unlink at Close.
type Queue struct {
	path string
}

// Open creates the FIFO at path (mode 0666, per the original). An
// existing file at path is kept as is, whatever its type.
func Open(path string) (*Queue, error) {
	if err := unix.Mkfifo(path, 0o666); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("%w: mkfifo %s: %v", ErrQueue, path, err)
	}
	return &Queue{path: path}, nil
}

// Close unlinks the FIFO.
func (q *Queue) Close() error {
	if err := os.Remove(q.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: removing %s: %v", ErrQueue, q.path, err)
	}
	return nil
}

// ReadCommand blocks opening the FIFO for read, reads one whole
// message up to maxMessageBytes, strips a trailing newline, tokenizes
// on whitespace, and parses it into a Command. A FIFO opened for
// read-only blocks until a writer connects; the original opens O_RDWR
// to avoid that, so this does too, and scans from that same O_RDWR
// descriptor. If the open fails, the FIFO is recreated and opened once
// more.
func (q *Queue) ReadCommand() (Command, error) {
	f, err := os.OpenFile(q.path, os.O_RDWR, 0)
	if err != nil {
		if err := unix.Mkfifo(q.path, 0o666); err != nil && !errors.Is(err, os.ErrExist) {
			return Command{}, fmt.Errorf("%w: recreating %s: %v", ErrQueue, q.path, err)
		}
		f, err = os.OpenFile(q.path, os.O_RDWR, 0)
		if err != nil {
			return Command{}, fmt.Errorf("%w: opening %s: %v", ErrQueue, q.path, err)
		}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, maxMessageBytes), maxMessageBytes)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return Command{}, fmt.Errorf("%w: reading %s: %v", ErrQueue, q.path, err)
		}
		return Command{}, fmt.Errorf("%w: empty read from %s", ErrQueue, q.path)
	}

	line := strings.TrimSuffix(scanner.Text(), "\n")
	return Parse(strings.Fields(line))
}

// defaultJob mirrors TouchWorker.defaultInfo(): a whole-range,
// single-partition, single-line-per-set touch with no flushing or
// interrupt disabling.
func defaultJob(maxSet uint64) touch.Job {
	return touch.Job{
		BeginSet:    0,
		EndSet:      maxSet,
		LinesPerSet: 1,
		Partitions:  1,
		Op:          touch.OpTouch,
	}
}

// Parse turns a tokenized message into a Command, using 0 as the touch
// verb's default end_set; a message that wants a wider range sets "es".
// ReadCommand parses through Parse.
func Parse(tokens []string) (Command, error) {
	return ParseWithDefaultEndSet(tokens, 0)
}

// ParseWithDefaultEndSet is Parse with an explicit default end_set.
func ParseWithDefaultEndSet(tokens []string, maxSet uint64) (Command, error) {
	cmd := Command{RunID: uuid.NewString()}
	if len(tokens) == 0 {
		return cmd, fmt.Errorf("%w: empty message", ErrOutOfTokens)
	}

	verb := tokens[0]
	rest := tokens[1:]

	switch verb {
	case "q", "quit":
		cmd.Kind = KindQuit
		return cmd, nil

	case "t", "touch":
		cmd.Kind = KindTouch
		job, multi, err := parseTouchJob(rest, maxSet)
		if err != nil {
			return cmd, err
		}
		cmd.Job = job
		cmd.Multi = multi
		return cmd, nil

	case "clean":
		cmd.Kind = KindClean
		n, err := popNumber(&rest)
		if err != nil {
			return cmd, err
		}
		cmd.Clean = n
		return cmd, nil

	default:
		return cmd, fmt.Errorf("%w: %s", ErrUnknownOperation, verb)
	}
}

// parseTouchJob fills a job descriptor plus the separate worker
// fan-out count: "partitions|p" sets how many interleaved rings a
// single worker walks, while "multi|m" sets how many workers the
// controller dispatches the job across, splitting [begin_set, end_set]
// into that many equal chunks (spec.md §4.8's "M workers" dispatch
// rule, §4.9's grammar).
func parseTouchJob(tokens []string, maxSet uint64) (touch.Job, int, error) {
	job := defaultJob(maxSet)
	multi := 1

	for len(tokens) > 0 {
		sub := tokens[0]
		tokens = tokens[1:]

		switch sub {
		case "begin-set", "bs":
			n, err := popNumber(&tokens)
			if err != nil {
				return job, multi, err
			}
			job.BeginSet = uint64(n)
		case "end-set", "es":
			n, err := popNumber(&tokens)
			if err != nil {
				return job, multi, err
			}
			job.EndSet = uint64(n)
		case "lines", "l":
			n, err := popNumber(&tokens)
			if err != nil {
				return job, multi, err
			}
			job.LinesPerSet = n
		case "partitions", "p":
			n, err := popNumber(&tokens)
			if err != nil {
				return job, multi, err
			}
			job.Partitions = n
		case "multi", "m":
			n, err := popNumber(&tokens)
			if err != nil {
				return job, multi, err
			}
			multi = n
		case "disable-interrupts":
			job.DisableInterrupts = true
		case "stop":
			job.Op = touch.OpStop
		case "flush":
			job.Op = touch.OpFlush
		case "flush-before":
			job.FlushBefore = true
		case "flush-after":
			job.FlushAfter = true
		default:
			return job, multi, fmt.Errorf("%w: touch %s", ErrUnknownOperation, sub)
		}
	}
	return job, multi, nil
}

func popNumber(tokens *[]string) (int, error) {
	if len(*tokens) == 0 {
		return 0, ErrOutOfTokens
	}
	tok := (*tokens)[0]
	*tokens = (*tokens)[1:]
	n, err := strconv.Atoi(tok)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrOutOfTokens, tok)
	}
	return n, nil
}
