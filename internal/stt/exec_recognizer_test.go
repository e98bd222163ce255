package stt

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"
)

func TestWritePCMToWav(t *testing.T) {
	path := filepath.Join(t.TempDir(), "utterance.wav")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	pcm := []byte{0x01, 0x00, 0xff, 0x7f, 0x00, 0x80, 0x10, 0x00}
	if err := writePCMToWav(file, pcm, 16000, 1); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	in, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer in.Close()
	dec := wav.NewDecoder(in)
	if !dec.IsValidFile() {
		t.Fatal("expected valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if buf.Format.SampleRate != 16000 || buf.Format.NumChannels != 1 {
		t.Fatalf("unexpected format %+v", buf.Format)
	}
	want := []int{1, 32767, -32768, 16}
	if len(buf.Data) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(buf.Data))
	}
	for i := range want {
		if buf.Data[i] != want[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, want[i], buf.Data[i])
		}
	}
}

func TestWritePCMToWavRejectsOddPayload(t *testing.T) {
	file, err := os.Create(filepath.Join(t.TempDir(), "odd.wav"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer file.Close()
	if err := writePCMToWav(file, []byte{0x01}, 16000, 1); err == nil {
		t.Fatal("expected alignment error")
	}
}

func TestNewExecRecognizerEmptyCommand(t *testing.T) {
	if _, err := NewExecRecognizer("  ", ""); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestExecRecognizerTranscribe(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	rec, err := NewExecRecognizer(`sh -c 'printf "{\"text\":\"%s\",\"confidence\":0.8}" "$3"'`, "")
	if err != nil {
		t.Fatalf("new recognizer: %v", err)
	}
	// sh -c script $0=--audio $1=<file> $2=--language $3=th-TH ...
	res, err := rec.Transcribe(context.Background(), []byte{0, 0, 1, 0}, 16000, 1, DefaultSettings())
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "th-TH" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if res.Confidence != 0.8 {
		t.Fatalf("unexpected confidence %v", res.Confidence)
	}
}
