package recovery_test

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/tripwire/sentineld/internal/image"
	"github.com/tripwire/sentineld/internal/metrics"
	"github.com/tripwire/sentineld/internal/proctable"
	"github.com/tripwire/sentineld/internal/recovery"
)

type fakeSubmitter struct{ received []*image.Image }

func (f *fakeSubmitter) Submit(img *image.Image) {
	f.received = append(f.received, img)
	img.Unref() // simulate the worker completing and releasing its reference
}

func TestRecoverLiveSelfProcess(t *testing.T) {
	tbl := proctable.New()
	var stats metrics.Stats
	sub := &fakeSubmitter{}
	svc := recovery.New(tbl, sub, &stats)

	// Seed the parent so the recursive parent recovery stops there and only
	// this process is reconstructed and submitted.
	tbl.Create(os.Getppid(), 0, time.Unix(0, 0))

	pid := os.Getpid()
	proc, err := svc.Recover(pid, true, time.Now())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if proc.PID != pid {
		t.Errorf("PID = %d, want %d", proc.PID, pid)
	}
	if proc.Image() == nil {
		t.Fatal("expected a reconstructed current image")
	}
	if _, ok := tbl.Find(pid); !ok {
		t.Fatal("expected the recovered process to be installed in the table")
	}
	if stats.LiveAcq.Load() != 1 {
		t.Errorf("LiveAcq = %d, want 1", stats.LiveAcq.Load())
	}
	if len(sub.received) != 1 {
		t.Fatalf("worker received %d submissions, want 1", len(sub.received))
	}
}

func TestRecoverAlreadyPresentReturnsExisting(t *testing.T) {
	tbl := proctable.New()
	var stats metrics.Stats
	sub := &fakeSubmitter{}
	svc := recovery.New(tbl, sub, &stats)

	existing := tbl.Create(4242, 1, time.Unix(0, 0))

	proc, err := svc.Recover(4242, true, time.Now())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if proc != existing {
		t.Fatal("expected Recover to return the already-present Process unchanged")
	}
	if len(sub.received) != 0 {
		t.Fatal("expected no worker submission for an already-present process")
	}
}

func TestRecoverGoneProcessLeavesNoEntry(t *testing.T) {
	tbl := proctable.New()
	var stats metrics.Stats
	sub := &fakeSubmitter{}
	svc := recovery.New(tbl, sub, &stats)

	const bogusPID = 0x7ffffffe // astronomically unlikely to be a live pid

	_, err := svc.Recover(bogusPID, true, time.Now())
	if !errors.Is(err, recovery.ErrProcessGone) {
		t.Fatalf("expected ErrProcessGone, got %v", err)
	}
	if _, ok := tbl.Find(bogusPID); ok {
		t.Fatal("expected no table entry for a gone process")
	}
}

func TestRecoverMarksNoLogWhenLogFalse(t *testing.T) {
	tbl := proctable.New()
	var stats metrics.Stats
	sub := &fakeSubmitter{}
	svc := recovery.New(tbl, sub, &stats)

	proc, err := svc.Recover(os.Getpid(), false, time.Now())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	img := proc.Image()
	if img == nil || !img.Flags.Has(image.FlagNoLog) {
		t.Fatal("expected the recovered image to carry FlagNoLog when log=false")
	}
}
