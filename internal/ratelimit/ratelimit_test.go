package ratelimit

import (
	"testing"
	"time"
)

func TestWaitPacesToTargetRate(t *testing.T) {
	const targetPPS = 2000.0
	const batchSize = 100
	const batches = 20 // 2000 total sends

	l := New(targetPPS, batchSize, Auto)
	start := time.Now()
	for i := 0; i < batches; i++ {
		l.Wait()
	}
	elapsed := time.Since(start)

	wantSeconds := float64(batchSize*batches) / targetPPS
	gotSeconds := elapsed.Seconds()

	if gotSeconds < wantSeconds*0.5 || gotSeconds > wantSeconds*1.5 {
		t.Fatalf("elapsed = %v, want close to %v (target %v pps)", elapsed, time.Duration(wantSeconds*float64(time.Second)), targetPPS)
	}
}

func TestStatisticsReportsRate(t *testing.T) {
	l := New(5000, 50, Sleep)
	for i := 0; i < 5; i++ {
		l.Wait()
	}
	stats := l.Statistics()
	if stats.AverageRate <= 0 {
		t.Fatalf("AverageRate = %v, want > 0", stats.AverageRate)
	}
	if stats.TotalWaited <= 0 {
		t.Fatalf("TotalWaited = %v, want > 0", stats.TotalWaited)
	}
}

func TestMethodFromConfigDefaultsToAuto(t *testing.T) {
	if MethodFromConfig("nonsense") != Auto {
		t.Fatal("unknown method should default to Auto")
	}
}
