package dictation

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/chaz8081/recast/internal/audio"
)

// Chunker cuts a stream of 16 kHz mono S16LE frames into utterances. A
// chunk ends when it reaches the maximum length, or when silence has
// followed speech for the configured gap. Chunks that never rose above the
// speech threshold are discarded.
type Chunker struct {
	maxBytes     int
	silenceBytes int
	threshold    float64

	buf       []byte
	heard     bool
	silentRun int
	discarded int
}

// NewChunker returns a Chunker. A zero silence disables the silence cut; a
// zero threshold treats every frame as speech.
func NewChunker(maxLen, silence time.Duration, threshold float64) *Chunker {
	bytesFor := func(d time.Duration) int {
		n := int(d.Seconds() * audio.SampleRate * audio.BytesPerSample)
		return n &^ 1
	}
	return &Chunker{
		maxBytes:     max(bytesFor(maxLen), audio.BytesPerSample),
		silenceBytes: bytesFor(silence),
		threshold:    threshold,
	}
}

// Push adds one frame and returns any chunks it completed.
func (c *Chunker) Push(frame []byte) [][]byte {
	var out [][]byte
	for len(frame) > 0 {
		n := min(len(frame), c.maxBytes-len(c.buf))
		part := frame[:n]
		frame = frame[n:]
		c.buf = append(c.buf, part...)

		if RMS(part) >= c.threshold {
			c.heard = true
			c.silentRun = 0
		} else if c.heard {
			c.silentRun += len(part)
		}

		switch {
		case len(c.buf) >= c.maxBytes:
			if chunk := c.take(); chunk != nil {
				out = append(out, chunk)
			}
		case c.heard && c.silenceBytes > 0 && c.silentRun >= c.silenceBytes:
			out = append(out, c.take())
		}
	}
	return out
}

// Flush returns the buffered audio if it contains speech, and resets.
func (c *Chunker) Flush() []byte {
	if len(c.buf) == 0 {
		return nil
	}
	return c.take()
}

// Discarded reports how many silent chunks were dropped.
func (c *Chunker) Discarded() int { return c.discarded }

func (c *Chunker) take() []byte {
	chunk := c.buf
	heard := c.heard
	c.buf = nil
	c.heard = false
	c.silentRun = 0
	if !heard {
		c.discarded++
		return nil
	}
	return chunk
}

// RMS returns the root mean square level of S16LE samples, in [0, 1].
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
