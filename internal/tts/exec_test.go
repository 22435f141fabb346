package tts

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func writeTestWAV(t *testing.T, sampleRate int, samples []int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voice.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: sampleRate}, Data: samples}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	return path
}

func requireCat(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires cat")
	}
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
}

func TestExecSynthDecodesWAV(t *testing.T) {
	requireCat(t)
	path := writeTestWAV(t, 16000, []int{1, -1, 256, -32768})
	synth, err := NewExecSynth("cat '"+path+"'", 16000, 1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	chunks, errs := synth.Synthesize(context.Background(), SynthRequest{SessionID: "s1", Text: "hola"})
	var got []SynthChunk
	for c := range chunks {
		got = append(got, c)
	}
	if err := <-errs; err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(got) != 1 || !got[0].Final || got[0].SessionID != "s1" {
		t.Fatalf("unexpected chunks %+v", got)
	}
	want := []byte{0x01, 0x00, 0xff, 0xff, 0x00, 0x01, 0x00, 0x80}
	if string(got[0].PCM) != string(want) {
		t.Fatalf("pcm = %v, want %v", got[0].PCM, want)
	}
}

func TestExecSynthRejectsFormatMismatch(t *testing.T) {
	requireCat(t)
	path := writeTestWAV(t, 22050, []int{0, 0})
	synth, err := NewExecSynth("cat '"+path+"'", 16000, 1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	chunks, errs := synth.Synthesize(context.Background(), SynthRequest{Text: "x"})
	for range chunks {
		t.Fatal("expected no chunks")
	}
	if err := <-errs; err == nil {
		t.Fatal("expected sample rate mismatch")
	}
}

func TestExecSynthRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecSynth("  ", 16000, 1); err == nil {
		t.Fatal("expected empty command to fail")
	}
}
