// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider to feed scripted partial/final transcripts and utterance-end
// events to consumers, and to verify the audio chunks a caller sends.
//
// Example:
//
//	p := &mock.Provider{
//	    Finals: []types.Transcript{{Text: "hey redi what is this", IsFinal: true}},
//	}
//	sess, _ := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/redi-labs/redi/pkg/provider/stt"
	"github.com/redi-labs/redi/pkg/types"
)

// StartStreamCall records a single invocation of StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Partials are emitted on the session's Partials channel, in order.
	Partials []types.Transcript

	// Finals are emitted on the session's Finals channel, in order.
	Finals []types.Transcript

	// UtteranceEndCount is how many utterance-end signals the session emits
	// after all Finals have been delivered.
	UtteranceEndCount int

	// StartErr, if non-nil, is returned as the error from StartStream.
	StartErr error

	// --- Call records (read after test) ---

	// StartStreamCalls records every invocation of StartStream in order.
	StartStreamCalls []StartStreamCall

	// Sessions holds every Session returned by StartStream, in order.
	Sessions []*Session
}

// StartStream records the call and returns a scripted Session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartErr != nil {
		return nil, p.StartErr
	}

	s := NewSession()
	p.Sessions = append(p.Sessions, s)
	go func() {
		for _, t := range p.Partials {
			s.EmitPartial(t)
		}
		for _, t := range p.Finals {
			s.EmitFinal(t)
		}
		for i := 0; i < p.UtteranceEndCount; i++ {
			s.EmitUtteranceEnd()
		}
	}()
	return s, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
	p.Sessions = nil
}

// Session is a scriptable stt.SessionHandle. Tests may drive it directly via
// the Emit* methods for fine-grained control over event ordering.
type Session struct {
	mu     sync.Mutex
	closed bool

	partials      chan types.Transcript
	finals        chan types.Transcript
	utteranceEnds chan struct{}

	// AudioChunks records every chunk passed to SendAudio, in order.
	AudioChunks [][]byte

	// SendAudioErr, if non-nil, is returned by SendAudio.
	SendAudioErr error
}

// NewSession returns a Session with buffered event channels, ready to use.
func NewSession() *Session {
	return &Session{
		partials:      make(chan types.Transcript, 64),
		finals:        make(chan types.Transcript, 64),
		utteranceEnds: make(chan struct{}, 8),
	}
}

// EmitPartial delivers a partial transcript to the session consumer.
func (s *Session) EmitPartial(t types.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.partials <- t
}

// EmitFinal delivers a final transcript to the session consumer.
func (s *Session) EmitFinal(t types.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.finals <- t
}

// EmitUtteranceEnd delivers an utterance-end signal to the session consumer.
func (s *Session) EmitUtteranceEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.utteranceEnds <- struct{}{}
}

// SendAudio records the chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock: session is closed")
	}
	c := make([]byte, len(chunk))
	copy(c, chunk)
	s.AudioChunks = append(s.AudioChunks, c)
	return s.SendAudioErr
}

// Partials returns the partial transcript channel.
func (s *Session) Partials() <-chan types.Transcript { return s.partials }

// Finals returns the final transcript channel.
func (s *Session) Finals() <-chan types.Transcript { return s.finals }

// UtteranceEnds returns the utterance-end signal channel.
func (s *Session) UtteranceEnds() <-chan struct{} { return s.utteranceEnds }

// Close closes the event channels. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.partials)
	close(s.finals)
	close(s.utteranceEnds)
	return nil
}

// Ensure the mocks satisfy the stt interfaces at compile time.
var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*Session)(nil)
)
