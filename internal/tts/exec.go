package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
)

// execSynth runs a command per request in the style of piper: the text is
// written to stdin and a WAV file is read back from stdout. The voice is
// passed as --voice when set.
type execSynth struct {
	argv       []string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	argv, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("tts command is empty")
	}
	return &execSynth{argv: argv, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		chunk, err := e.run(ctx, req)
		if err != nil {
			errs <- err
			return
		}
		select {
		case chunks <- chunk:
		case <-ctx.Done():
			errs <- ctx.Err()
		}
	}()
	return chunks, errs
}

func (e *execSynth) run(ctx context.Context, req SynthRequest) (SynthChunk, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	args := append([]string{}, e.argv[1:]...)
	if req.Voice != "" {
		args = append(args, "--voice", req.Voice)
	}
	cmd := exec.CommandContext(ctx, e.argv[0], args...)
	cmd.Stdin = strings.NewReader(req.Text + "\n")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return SynthChunk{}, fmt.Errorf("tts command failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}

	pcm, rate, channels, err := decodeWAV(stdout.Bytes())
	if err != nil {
		return SynthChunk{}, err
	}
	if rate != e.sampleRate || channels != e.channels {
		return SynthChunk{}, fmt.Errorf("tts command produced %dHz/%dch, configured %dHz/%dch", rate, channels, e.sampleRate, e.channels)
	}
	return SynthChunk{
		SessionID:  req.SessionID,
		SampleRate: rate,
		Channels:   channels,
		PCM:        pcm,
		Final:      true,
	}, nil
}

// decodeWAV returns 16-bit little-endian PCM from a 16-bit WAV payload.
func decodeWAV(data []byte) ([]byte, int, int, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, 0, 0, errors.New("tts command did not produce a wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode tts wav: %w", err)
	}
	if dec.BitDepth != 16 {
		return nil, 0, 0, fmt.Errorf("tts wav has %d-bit samples, want 16", dec.BitDepth)
	}
	pcm := make([]byte, len(buf.Data)*2)
	for i, v := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v)))
	}
	return pcm, int(dec.SampleRate), int(dec.NumChans), nil
}
