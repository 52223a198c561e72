// Package hdf5sink buffers per-instance telemetry samples and flushes
// them to a log file on shutdown, one group per instance id. The corpus
// this runtime is grounded on has no HDF5 binding available, so the
// on-disk format here is a simple self-describing binary stand-in, not
// real HDF5 — see DESIGN.md. The queue/background-flush shape is
// grounded on the teacher's resources.Manager checkpoint queue.
package hdf5sink

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"
)

// DefaultBufferSize is the buffer size Open records when given a value
// <= 0. The sink does not act on the buffer size: every sample stays in
// memory until Close writes the whole log in one pass.
const DefaultBufferSize = 256

type sample struct {
	instanceID string
	key        string
	value      float32
}

// Sink buffers telemetry samples and flushes them to path on Close. It
// has no back-pressure: Record never blocks the caller, matching the
// runtime-wide "a slow consumer drops" policy — a full queue drops the
// incoming sample rather than stalling the kernel that produced it.
type Sink struct {
	path       string
	bufferSize int

	mu      sync.Mutex
	buffers map[string]map[string][]float32 // instance id -> key -> samples

	queue chan sample
	wg    sync.WaitGroup
	done  chan struct{}
}

// Open creates a new sink writing to path (typically named
// "YYYYMMDD-hhmmss_fsgui_log.h5" by the caller). bufferSize <= 0 uses
// DefaultBufferSize.
func Open(path string, bufferSize int) (*Sink, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	s := &Sink{
		path:       path,
		bufferSize: bufferSize,
		buffers:    make(map[string]map[string][]float32),
		queue:      make(chan sample, 4096),
		done:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s, nil
}

// Record enqueues one scalar sample under instanceID's key (e.g. the
// node's published field name). Never blocks: if the internal queue is
// saturated the sample is dropped.
func (s *Sink) Record(instanceID, key string, value float32) {
	select {
	case s.queue <- sample{instanceID: instanceID, key: key, value: value}:
	default:
	}
}

func (s *Sink) loop() {
	defer s.wg.Done()
	for {
		select {
		case smp := <-s.queue:
			s.buffer(smp)
		case <-s.done:
			s.drain()
			return
		}
	}
}

func (s *Sink) drain() {
	for {
		select {
		case smp := <-s.queue:
			s.buffer(smp)
		default:
			return
		}
	}
}

func (s *Sink) buffer(smp sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.buffers[smp.instanceID]
	if !ok {
		group = make(map[string][]float32)
		s.buffers[smp.instanceID] = group
	}
	group[smp.key] = append(group[smp.key], smp.value)
}

// Close stops accepting new samples, flushes every buffered sample to
// disk, and closes the underlying file.
func (s *Sink) Close() error {
	close(s.done)
	s.wg.Wait()

	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("create telemetry log %s: %w", s.path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	defer w.Flush()

	s.mu.Lock()
	defer s.mu.Unlock()
	for instanceID, group := range s.buffers {
		for key, values := range group {
			if err := writeDataset(w, instanceID, key, values); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeDataset writes one extensible 1-D f32 dataset record: a header
// naming the instance id, dataset key, and sample count, followed by the
// raw little-endian float32 values.
func writeDataset(w *bufio.Writer, instanceID, key string, values []float32) error {
	if err := writeString(w, instanceID); err != nil {
		return err
	}
	if err := writeString(w, key); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(values))); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, values)
}

func writeString(w *bufio.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.WriteString(s)
	return err
}

// LogFileName returns the default telemetry log file name for t, per the
// runtime's "YYYYMMDD-hhmmss_fsgui_log.h5" convention.
func LogFileName(t time.Time) string {
	return t.Format("20060102-150405") + "_fsgui_log.h5"
}
