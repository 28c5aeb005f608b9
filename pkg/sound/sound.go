// Package sound inspects exported audio tracks.
package sound

import (
	"bytes"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"time"

	mp3 "github.com/hajimehoshi/go-mp3"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Analyzer holds the decoded samples of an mp3 track.
type Analyzer struct {
	mono     []float64
	rate     int
	duration time.Duration
}

// NewAnalyzer decodes the mp3 file at path.
func NewAnalyzer(path string) (*Analyzer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sound: couldn't open file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads an mp3 stream.
func Decode(r io.Reader) (*Analyzer, error) {
	decoder, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("sound: couldn't decode mp3: %w", err)
	}

	// go-mp3 always outputs 16-bit little endian stereo.
	var mono []float64
	buf := make([]byte, 4096)
	var rest []byte
	for {
		n, err := decoder.Read(buf)
		chunk := append(rest, buf[:n]...)
		i := 0
		for ; i+4 <= len(chunk); i += 4 {
			left := float64(int16(chunk[i])|int16(chunk[i+1])<<8) / 32768.0
			right := float64(int16(chunk[i+2])|int16(chunk[i+3])<<8) / 32768.0
			mono = append(mono, (left+right)/2.0)
		}
		rest = append(rest[:0], chunk[i:]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("sound: couldn't read sample: %w", err)
		}
	}

	rate := decoder.SampleRate()
	duration := time.Duration(float64(len(mono)) / float64(rate) * float64(time.Second))
	return &Analyzer{
		mono:     mono,
		rate:     rate,
		duration: duration,
	}, nil
}

func (a *Analyzer) Duration() time.Duration {
	return a.duration
}

func (a *Analyzer) SampleRate() int {
	return a.rate
}

// Loudness returns the RMS level of the whole track in dBFS. Silence is
// reported as -96 dBFS.
func (a *Analyzer) Loudness() float64 {
	rms := calculateRMS(a.mono)
	if rms <= 0 {
		return -96
	}
	db := 20 * math.Log10(rms)
	if db < -96 {
		return -96
	}
	return db
}

// Resample returns the min and max of each window.
func (a *Analyzer) Resample(windowSize time.Duration) []float64 {
	samples := a.mono
	windowLength := int(float64(a.rate) * windowSize.Seconds())
	if windowLength < 1 {
		windowLength = 1
	}

	var resampled []float64
	for i := 0; i < len(samples); i += windowLength {
		end := i + windowLength
		if end > len(samples) {
			end = len(samples)
		}
		window := samples[i:end]
		var min, max float64
		for _, v := range window {
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
		resampled = append(resampled, min)
		resampled = append(resampled, max)
	}
	return resampled
}

func calculateRMS(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var squareSum float64
	for _, sample := range samples {
		squareSum += sample * sample
	}
	meanSquare := squareSum / float64(len(samples))
	return math.Sqrt(meanSquare)
}

// PlotWave renders the waveform of the track as a jpeg image.
func (a *Analyzer) PlotWave(name string) ([]byte, error) {
	window := 50 * time.Millisecond
	resampled := a.Resample(window)
	return createPlot(name, a.duration, resampled, -1, 1, window.Seconds())
}

func createPlot(name string, d time.Duration, data []float64, min, max float64, window float64) ([]byte, error) {
	p := plot.New()

	p.Y.Min = min
	p.Y.Max = max

	p.Title.Text = fmt.Sprintf("%s %s", name, d.Round(time.Second))
	p.X.Label.Text = "time"
	p.Y.Label.Text = "amplitude"

	// Each window contributes a min and a max point.
	pts := make(plotter.XYs, len(data))
	for i, v := range data {
		pts[i].X = float64(i/2) * window
		pts[i].Y = v
	}
	l, err := plotter.NewLine(pts)
	if err != nil {
		return nil, fmt.Errorf("sound: couldn't create line plotter: %w", err)
	}
	l.LineStyle.Width = vg.Points(1)
	l.LineStyle.Color = color.RGBA{B: 200, A: 255}
	p.Add(l)

	c, err := p.WriterTo(6*vg.Inch, 3*vg.Inch, "jpeg")
	if err != nil {
		return nil, fmt.Errorf("sound: couldn't create plot: %w", err)
	}
	var buf bytes.Buffer
	if _, err := c.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("sound: couldn't write plot: %w", err)
	}
	return buf.Bytes(), nil
}
