package vad

import (
	"encoding/binary"
	"math"
	"time"
)

// Event is what a processed frame produced, if anything.
type Event int

const (
	EventNone Event = iota
	// EventUtteranceStart opens an utterance after sustained voice activity.
	EventUtteranceStart
	// EventUtteranceEnd closes an utterance after trailing silence.
	EventUtteranceEnd
	// EventUtteranceDiscard closes an utterance that stayed below the
	// minimum duration. Treated as noise, not forwarded downstream.
	EventUtteranceDiscard
	// EventBargeIn is sustained voice activity while the assistant is
	// still producing audio.
	EventBargeIn
)

func (e Event) String() string {
	switch e {
	case EventUtteranceStart:
		return "utterance_start"
	case EventUtteranceEnd:
		return "utterance_end"
	case EventUtteranceDiscard:
		return "utterance_discard"
	case EventBargeIn:
		return "barge_in"
	default:
		return "none"
	}
}

// Params tunes the detector. All values come from config.
type Params struct {
	FramePeriod         time.Duration
	CalibrationFrames   int
	ThresholdMultiplier float64
	DriftTolerance      float64
	DriftWindow         int
	SpeechStartFrames   int
	TrailingSilence     time.Duration
	MinUtterance        time.Duration
	BargeInConfirmation time.Duration
}

// speechFloor keeps the speech threshold sane when calibration happens in
// a nearly silent room.
const speechFloor = 0.012

// Detector segments a PCM16 frame stream into utterances using RMS energy
// against an adaptive threshold. Hysteresis on both edges avoids flicker
// between speech and silence. Not safe for concurrent use; one detector
// per session.
type Detector struct {
	p Params

	trailingFrames int
	minFrames      int
	bargeFrames    int

	calibrated bool
	calibCount int
	calibSum   float64

	baseline         float64
	speechThreshold  float64
	silenceThreshold float64

	ambient      []float64
	ambientNext  int
	ambientCount int

	inSpeech     bool
	speechCount  int
	silenceCount int
	utterFrames  int
	lastUtter    time.Duration

	bargeCount int
}

func NewDetector(p Params) *Detector {
	d := &Detector{
		p:              p,
		trailingFrames: framesFor(p.TrailingSilence, p.FramePeriod),
		minFrames:      framesFor(p.MinUtterance, p.FramePeriod),
		bargeFrames:    framesFor(p.BargeInConfirmation, p.FramePeriod),
		ambient:        make([]float64, p.DriftWindow),
	}
	return d
}

func framesFor(d, period time.Duration) int {
	if period <= 0 {
		return 1
	}
	n := int((d + period - 1) / period)
	if n < 1 {
		n = 1
	}
	return n
}

// Process consumes one fixed-size PCM16 little-endian frame.
// assistantSpeaking switches the detector into barge-in mode: sustained
// activity raises EventBargeIn instead of opening an utterance.
func (d *Detector) Process(frame []byte, assistantSpeaking bool) Event {
	level := rms(frame)

	if !d.calibrated {
		d.calibSum += level
		d.calibCount++
		if d.calibCount >= d.p.CalibrationFrames {
			d.setBaseline(d.calibSum / float64(d.calibCount))
			d.calibrated = true
		}
		return EventNone
	}

	if assistantSpeaking {
		if level >= d.speechThreshold {
			d.bargeCount++
			if d.bargeCount >= d.bargeFrames {
				d.bargeCount = 0
				return EventBargeIn
			}
		} else {
			d.bargeCount = 0
			d.trackAmbient(level)
		}
		return EventNone
	}
	d.bargeCount = 0

	if d.inSpeech {
		d.utterFrames++
		if level < d.silenceThreshold {
			d.silenceCount++
			if d.silenceCount >= d.trailingFrames {
				voiced := d.utterFrames - d.silenceCount
				d.lastUtter = time.Duration(voiced) * d.p.FramePeriod
				d.inSpeech = false
				d.silenceCount = 0
				d.utterFrames = 0
				if voiced < d.minFrames {
					return EventUtteranceDiscard
				}
				return EventUtteranceEnd
			}
		} else {
			d.silenceCount = 0
		}
		return EventNone
	}

	if level >= d.speechThreshold {
		d.speechCount++
		if d.speechCount >= d.p.SpeechStartFrames {
			d.inSpeech = true
			d.utterFrames = d.speechCount
			d.speechCount = 0
			d.silenceCount = 0
			return EventUtteranceStart
		}
	} else {
		d.speechCount = 0
		d.trackAmbient(level)
	}
	return EventNone
}

// InSpeech reports whether an utterance is currently open.
func (d *Detector) InSpeech() bool { return d.inSpeech }

// Calibrated reports whether the ambient baseline has been established.
func (d *Detector) Calibrated() bool { return d.calibrated }

// LastUtterance returns the voiced duration of the most recently closed
// utterance, discarded or not.
func (d *Detector) LastUtterance() time.Duration { return d.lastUtter }

// Reset clears all activity state but keeps the calibrated baseline.
func (d *Detector) Reset() {
	d.inSpeech = false
	d.speechCount = 0
	d.silenceCount = 0
	d.utterFrames = 0
	d.bargeCount = 0
}

func (d *Detector) setBaseline(level float64) {
	d.baseline = level
	d.speechThreshold = level * d.p.ThresholdMultiplier
	if d.speechThreshold < speechFloor {
		d.speechThreshold = speechFloor
	}
	d.silenceThreshold = d.baseline + (d.speechThreshold-d.baseline)*0.5
	d.ambientCount = 0
	d.ambientNext = 0
}

// trackAmbient feeds non-speech levels into a sliding window; when the
// window average drifts past the tolerance band the baseline is
// recalibrated so a room that gets noisier or quieter does not wedge the
// thresholds.
func (d *Detector) trackAmbient(level float64) {
	if len(d.ambient) == 0 {
		return
	}
	d.ambient[d.ambientNext] = level
	d.ambientNext = (d.ambientNext + 1) % len(d.ambient)
	if d.ambientCount < len(d.ambient) {
		d.ambientCount++
		return
	}
	var sum float64
	for _, v := range d.ambient {
		sum += v
	}
	avg := sum / float64(len(d.ambient))
	band := d.baseline * d.p.DriftTolerance
	if math.Abs(avg-d.baseline) > band {
		d.setBaseline(avg)
	}
}

// rms computes normalized root-mean-square energy of a PCM16 LE frame,
// in [0, 1].
func rms(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(frame[2*i:]))
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(n))
}
