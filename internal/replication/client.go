package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jfoltran/hranad/internal/frame"
)

const (
	initialRetryDelay = 200 * time.Millisecond
	maxRetryDelay     = 10 * time.Second
)

// FrameSink receives frames pulled from a primary and is told whenever the
// primary's generation no longer matches what was last observed, meaning
// the replica must load a fresh snapshot before applying anything further.
type FrameSink interface {
	ApplyFrames(frames []frame.Frame) error
	ResetToGeneration(hello Hello) error
}

// Client pulls frames from a primary's replication endpoints in a loop,
// reconnecting with jittered backoff on failure.
type Client struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger

	generation uuid.UUID
	nextOffset uint64
}

// NewClient creates a Client pulling from the primary reachable at baseURL
// (e.g. "http://10.0.0.4:8080").
func NewClient(baseURL string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With().Str("component", "replication-client").Logger(),
	}
}

// Run pulls frames continuously until ctx is canceled, delivering them to
// sink and retrying with jittered exponential backoff on any failure.
func (c *Client) Run(ctx context.Context, sink FrameSink) error {
	delay := initialRetryDelay
	for {
		before := c.nextOffset
		err := c.pullLoop(ctx, sink)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.nextOffset != before {
			delay = initialRetryDelay // frames were applied since the last failure
		}
		if err == nil {
			continue // pullLoop returns nil only when the primary's generation changed mid-stream; restart from hello
		}

		jittered := jitter(delay)
		c.logger.Warn().Err(err).Dur("delay", jittered).Msg("replication pull failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}

func (c *Client) pullLoop(ctx context.Context, sink FrameSink) error {
	hello, err := c.hello(ctx)
	if err != nil {
		return fmt.Errorf("replication hello: %w", err)
	}
	if hello.GenerationID != c.generation {
		if err := sink.ResetToGeneration(hello); err != nil {
			return fmt.Errorf("reset to new generation: %w", err)
		}
		c.generation = hello.GenerationID
		c.nextOffset = hello.GenerationStartIndex
	}

	delay := initialRetryDelay
	for {
		frames, err := c.frames(ctx, c.nextOffset)
		if err != nil {
			return err
		}
		if len(frames) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jitter(delay)):
			}
			delay *= 2
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
			continue
		}
		delay = initialRetryDelay

		if err := sink.ApplyFrames(frames); err != nil {
			return fmt.Errorf("apply frames: %w", err)
		}
		c.nextOffset = frames[len(frames)-1].FrameNo + 1

		freshHello, err := c.hello(ctx)
		if err != nil {
			return fmt.Errorf("replication hello: %w", err)
		}
		if freshHello.GenerationID != c.generation {
			return nil // generation changed mid-stream; pullLoop restarts from hello
		}
	}
}

func (c *Client) hello(ctx context.Context) (Hello, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/replication/hello", nil)
	if err != nil {
		return Hello{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Hello{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Hello{}, fmt.Errorf("hello: unexpected status %d: %s", resp.StatusCode, body)
	}
	var hello Hello
	if err := json.NewDecoder(resp.Body).Decode(&hello); err != nil {
		return Hello{}, err
	}
	return hello, nil
}

func (c *Client) frames(ctx context.Context, nextOffset uint64) ([]frame.Frame, error) {
	body, err := json.Marshal(FramesRequest{NextOffset: nextOffset})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/replication/frames", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var fr FramesResponse
		if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
			return nil, err
		}
		return fr.Frames, nil
	default:
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("frames: unexpected status %d: %s", resp.StatusCode, respBody)
	}
}

// jitter randomizes d by +/-20%, matching the backoff policy every
// reconnect loop in this codebase uses.
func jitter(d time.Duration) time.Duration {
	span := int64(d) / 5 // 20%
	return d + time.Duration(rand.Int63n(2*span+1)-span)
}
