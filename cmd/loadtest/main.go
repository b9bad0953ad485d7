package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/roleplay-relay/internal/wire"
)

const (
	sampleRate = 16000
	chunkSize  = 640 // 320 samples * 2 bytes = 20ms at 16kHz
	audioMIME  = "audio/pcm;rate=16000"
)

func main() {
	relay := flag.String("relay", "ws://localhost:8080/ws", "relay WebSocket URL")
	concurrency := flag.Int("concurrency", 10, "number of concurrent trainees")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	instruction := flag.String("instruction", "你是一位对价格很敏感的客户。", "persona instruction for start_session")
	audioDir := flag.String("audio-dir", "", "directory with raw 16kHz s16le .pcm samples")
	frameFile := flag.String("frame", "", "JPEG sent once per second as a video frame")
	flag.Parse()

	files, err := findAudioFiles(*audioDir)
	if err != nil || len(files) == 0 {
		fmt.Fprintf(os.Stderr, "no audio files in %q, generating synthetic audio\n", *audioDir)
		files = nil
	}
	var frame []byte
	if *frameFile != "" {
		if frame, err = os.ReadFile(*frameFile); err != nil {
			fmt.Fprintf(os.Stderr, "read frame: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Printf("Load test: %d concurrent sessions for %s\n", *concurrency, *duration)
	fmt.Printf("Relay: %s\n\n", *relay)

	var mu sync.Mutex
	var results []sessionResult
	var wg sync.WaitGroup

	deadline := time.Now().Add(*duration)

	for range *concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for time.Now().Before(deadline) {
				r := runSession(*relay, *instruction, files, frame)
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	printSummary(results)
}

type sessionResult struct {
	success     bool
	openMs      float64
	firstByteMs float64
	utterances  int
	err         string
}

func runSession(relay, instruction string, files []string, frame []byte) sessionResult {
	conn, _, err := websocket.DefaultDialer.Dial(relay, nil)
	if err != nil {
		return sessionResult{err: fmt.Sprintf("dial: %v", err)}
	}
	defer conn.Close()

	start := time.Now()
	if err = send(conn, wire.StartSession{Instruction: instruction}); err != nil {
		return sessionResult{err: fmt.Sprintf("send start: %v", err)}
	}
	if err = awaitOpen(conn); err != nil {
		return sessionResult{err: err.Error()}
	}
	res := sessionResult{openMs: msSince(start)}

	replies := make(chan wire.Message, 64)
	go readReplies(conn, replies)

	audio := getAudioData(files)
	streamStart := time.Now()
	for i := 0; i < len(audio); i += chunkSize {
		end := min(i+chunkSize, len(audio))
		if err = send(conn, wire.Input{Media: wire.NewMediaFrame(audioMIME, audio[i:end])}); err != nil {
			return sessionResult{err: fmt.Sprintf("send audio: %v", err)}
		}
		if frame != nil && (i/chunkSize)%50 == 0 {
			if err = send(conn, wire.Input{Media: wire.NewMediaFrame("image/jpeg", frame)}); err != nil {
				return sessionResult{err: fmt.Sprintf("send frame: %v", err)}
			}
		}
		drain(replies, &res, streamStart)
		time.Sleep(20 * time.Millisecond)
	}

	// Wait for the customer's reply to finish.
	timeout := time.After(15 * time.Second)
	for {
		select {
		case m, ok := <-replies:
			if !ok {
				return sessionResult{err: "connection closed"}
			}
			if done := record(m, &res, streamStart); done {
				res.success = res.err == ""
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return res
			}
		case <-timeout:
			res.err = "timed out waiting for reply"
			return res
		}
	}
}

func awaitOpen(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for {
		msg, err := readMessage(conn)
		if err != nil {
			return fmt.Errorf("await open: %w", err)
		}
		switch m := msg.(type) {
		case wire.StatusUpdate:
			if m.Status == wire.StatusOpen {
				return nil
			}
		case wire.Error:
			return fmt.Errorf("relay error: %s", m.Message)
		}
	}
}

func readReplies(conn *websocket.Conn, out chan<- wire.Message) {
	defer close(out)
	for {
		msg, err := readMessage(conn)
		if err != nil {
			return
		}
		select {
		case out <- msg:
		default: // session stopped listening
		}
	}
}

func readMessage(conn *websocket.Conn) (wire.Message, error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		msg, err := wire.Decode(data)
		if err != nil {
			continue
		}
		return msg, nil
	}
}

func drain(replies <-chan wire.Message, res *sessionResult, since time.Time) {
	for {
		select {
		case m, ok := <-replies:
			if !ok {
				return
			}
			record(m, res, since)
		default:
			return
		}
	}
}

// record folds one reply into res and reports whether the customer finished a turn.
func record(m wire.Message, res *sessionResult, since time.Time) bool {
	switch v := m.(type) {
	case wire.Upstream:
		if res.firstByteMs == 0 {
			res.firstByteMs = msSince(since)
		}
	case wire.Transcript:
		res.utterances++
		return v.Role == "customer"
	case wire.Error:
		res.err = v.Message
		return true
	case wire.StatusUpdate:
		return v.Status == wire.StatusClosed
	}
	return false
}

func send(conn *websocket.Conn, m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}

func getAudioData(files []string) []byte {
	if len(files) > 0 {
		data, err := os.ReadFile(files[rand.Intn(len(files))])
		if err == nil {
			return data
		}
	}
	return generateSyntheticAudio(3 * time.Second)
}

func generateSyntheticAudio(dur time.Duration) []byte {
	numSamples := int(dur.Seconds()) * sampleRate
	buf := make([]byte, numSamples*2)

	for i := range numSamples {
		t := float64(i) / float64(sampleRate)
		// 440Hz sine wave with some noise so the provider's VAD hears speech
		sample := math.Sin(2*math.Pi*440*t)*0.3 + (rand.Float64()-0.5)*0.05
		val := int16(sample * math.MaxInt16)
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(val))
	}
	return buf
}

func findAudioFiles(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".pcm" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

func printSummary(results []sessionResult) {
	var succeeded, failed, utterances int
	var openAll, firstAll []float64
	errs := map[string]int{}

	for _, r := range results {
		if !r.success {
			failed++
			errs[r.err]++
			continue
		}
		succeeded++
		utterances += r.utterances
		openAll = append(openAll, r.openMs)
		if r.firstByteMs > 0 {
			firstAll = append(firstAll, r.firstByteMs)
		}
	}

	fmt.Printf("\n=== Load Test Results ===\n")
	fmt.Printf("Sessions completed: %d\n", succeeded)
	fmt.Printf("Sessions failed:    %d\n", failed)
	fmt.Printf("Utterances:         %d\n", utterances)
	for msg, n := range errs {
		fmt.Printf("  %4d × %s\n", n, msg)
	}

	if len(openAll) == 0 {
		fmt.Println("No successful sessions to report metrics")
		return
	}

	fmt.Printf("\n%-12s %8s %8s %8s\n", "Stage", "p50", "p95", "p99")
	fmt.Printf("%-12s %8.0fms %8.0fms %8.0fms\n", "Open", percentile(openAll, 50), percentile(openAll, 95), percentile(openAll, 99))
	if len(firstAll) > 0 {
		fmt.Printf("%-12s %8.0fms %8.0fms %8.0fms\n", "First event", percentile(firstAll, 50), percentile(firstAll, 95), percentile(firstAll, 99))
	}
}

func percentile(data []float64, pct float64) float64 {
	sort.Float64s(data)
	idx := int(math.Ceil(pct/100*float64(len(data)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(data) {
		idx = len(data) - 1
	}
	return data[idx]
}
