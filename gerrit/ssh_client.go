package gerrit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	sshConnectionOptions = []string{
		"-o", "ServerAliveInterval=10",
		"-o", "ServerAliveCountMax=3",
		"-o", "BatchMode=yes",
	}

	errStreamClosed = errors.New("gerrit event stream closed")
)

// EventListener is an interface for listening to Gerrit events
type EventListener interface {
	Listen(context.Context, chan<- Event) error
}

// EventHandler is an interface for handling Gerrit events
type EventHandler interface {
	HandleEvent(context.Context, Event)
}

// EventHandlerFunc adapts a function to an EventHandler.
type EventHandlerFunc func(context.Context, Event)

func (f EventHandlerFunc) HandleEvent(ctx context.Context, e Event) {
	f(ctx, e)
}

// SSHClient reads the event stream of a Gerrit server over ssh
type SSHClient struct {
	*url.URL
	SshKeyPath string

	// command builds the process for a stream connection. Replaced in tests.
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

func NewSSHClient(sshUrl string, sshKeyPath string) (*SSHClient, error) {
	u, err := url.Parse(sshUrl)
	if err != nil {
		return nil, errors.Wrap(err, "parse gerrit ssh url")
	}
	if u.Scheme != "ssh" || u.Hostname() == "" {
		return nil, errors.Errorf("gerrit ssh url must look like ssh://user@host:port, got %q", sshUrl)
	}
	return &SSHClient{URL: u, SshKeyPath: sshKeyPath, command: exec.CommandContext}, nil
}

// Build the command arguments for an ssh connection to Gerrit
// Ex: ssh -i key -p port user@gerrit gerrit
// Any new tail argument is a gerrit command then the arguments
// to that command
func (s *SSHClient) buildSshCommand() []string {
	port := s.Port()
	if port == "" {
		port = "29418"
	}
	args := []string{"-p", port}
	if s.SshKeyPath != "" {
		args = append([]string{"-i", s.SshKeyPath}, args...)
	}
	target := s.Hostname()
	if s.User != nil && s.User.Username() != "" {
		target = s.User.Username() + "@" + target
	}
	return append(args, target, "gerrit")
}

func (s *SSHClient) getListener(ctx context.Context) *exec.Cmd {
	args := append(append([]string{}, sshConnectionOptions...), s.buildSshCommand()...)
	args = append(args, "stream-events")
	log.Debug().
		Str("sshCommand", strings.Join(args, " ")).
		Msgf("Authenticating to event stream with key %s", s.SshKeyPath)
	return s.command(ctx, "ssh", args...)
}

// Listen streams events from Gerrit into events until ctx is cancelled.
// Dropped connections are re-established with exponential backoff.
func (s *SSHClient) Listen(ctx context.Context, events chan<- Event) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 2 * time.Minute
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		delivered, err := s.stream(ctx, events)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if delivered > 0 {
			b.Reset()
		}
		if err == nil {
			return errStreamClosed
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("retryIn", wait).Msg("Gerrit event stream interrupted, reconnecting")
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// stream runs a single stream-events session and returns the number of
// events it delivered.
func (s *SSHClient) stream(ctx context.Context, events chan<- Event) (int, error) {
	log.Debug().Msgf("Creating stream connection to Gerrit at %s", s.String())
	listener := s.getListener(ctx)
	eventStream, err := listener.StdoutPipe()
	if err != nil {
		return 0, errors.Wrap(err, "open ssh stdout")
	}
	if err := listener.Start(); err != nil {
		return 0, errors.Wrap(err, "start ssh connection")
	}

	delivered := 0
	scanner := bufio.NewScanner(eventStream)
	maxBufferSize := 1024 * 1024
	scanner.Buffer(make([]byte, maxBufferSize), maxBufferSize)
	scanner.Split(bufio.ScanLines)

	for scanner.Scan() {
		log.Trace().Str("event", scanner.Text()).Msg("Raw Event from SSH connection")
		event, err := DecodeEvent(scanner.Bytes())
		if err != nil {
			log.Error().Err(err).Msg("Failed to decode Gerrit event")
			continue
		}
		select {
		case events <- event:
			delivered++
		case <-ctx.Done():
			_ = listener.Wait()
			return delivered, ctx.Err()
		}
	}
	log.Debug().Msg("Closing SSH connection to Gerrit")
	if err := scanner.Err(); err != nil {
		_ = listener.Wait()
		return delivered, errors.Wrap(err, "read event stream")
	}
	if err := listener.Wait(); err != nil {
		return delivered, errors.Wrap(err, "ssh connection to gerrit")
	}
	return delivered, nil
}

// DecodeEvent parses one line of `gerrit stream-events` output.
func DecodeEvent(line []byte) (Event, error) {
	event := Event{}
	if err := json.NewDecoder(bytes.NewReader(line)).Decode(&event); err != nil {
		return event, errors.Wrap(err, "decode gerrit event")
	}
	if event.Type == "" {
		return event, errors.New("gerrit event has no type")
	}
	return event, nil
}

// Handle dispatches events to h until the channel closes or ctx is done.
func Handle(ctx context.Context, events <-chan Event, h EventHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			log.Trace().Any("event", event).Msg("Raw Event from Dispatch")
			h.HandleEvent(ctx, event)
		}
	}
}
