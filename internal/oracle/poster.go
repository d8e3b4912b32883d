package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// PosterRequest is what the designer was asked to produce.
type PosterRequest struct {
	JobID        string `json:"job_id"`
	Title        string `json:"title"`
	Requirements string `json:"requirements"`
}

// Image is an encoded picture and its MIME type.
type Image struct {
	Data        []byte
	ContentType string
}

type PosterGenerator interface {
	Generate(ctx context.Context, req PosterRequest) (Image, error)
}

// LocalPosterGenerator renders the title and requirements as text on a PNG.
type LocalPosterGenerator struct {
	Width  int
	Height int
}

const (
	posterMargin     = 24
	posterLineHeight = 18
)

func (g LocalPosterGenerator) Generate(ctx context.Context, req PosterRequest) (Image, error) {
	if err := ctx.Err(); err != nil {
		return Image{}, err
	}
	w, h := g.Width, g.Height
	if w <= 0 {
		w = 480
	}
	if h <= 0 {
		h = 640
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: 255, G: 236, B: 139, A: 255}}, image.Point{}, draw.Src)
	band := image.Rect(0, 0, w, posterMargin*3)
	draw.Draw(img, band, &image.Uniform{C: color.RGBA{R: 60, G: 120, B: 60, A: 255}}, image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: basicfont.Face7x13,
	}
	title := strings.ToUpper(strings.TrimSpace(req.Title))
	if title == "" {
		title = "POSTER"
	}
	d.Dot = fixed.P(posterMargin, posterMargin*2)
	d.DrawString(title)

	d.Src = image.NewUniform(color.Black)
	maxChars := (w - 2*posterMargin) / basicfont.Face7x13.Advance
	y := posterMargin*4 + posterLineHeight
	for _, line := range wrap(req.Requirements, maxChars) {
		if y > h-posterMargin {
			break
		}
		d.Dot = fixed.P(posterMargin, y)
		d.DrawString(line)
		y += posterLineHeight
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Image{}, fmt.Errorf("encoding poster: %w", err)
	}
	return Image{Data: buf.Bytes(), ContentType: "image/png"}, nil
}

func wrap(text string, width int) []string {
	if width <= 0 {
		width = 40
	}
	var lines []string
	var cur strings.Builder
	for _, word := range strings.Fields(text) {
		if cur.Len() > 0 && cur.Len()+1+len(word) > width {
			lines = append(lines, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(word)
	}
	if cur.Len() > 0 {
		lines = append(lines, cur.String())
	}
	return lines
}

// HTTPPosterGenerator asks a remote image service for the poster. The
// response body is the image itself.
type HTTPPosterGenerator struct {
	URL    string
	APIKey string
	Client *http.Client
}

func (g HTTPPosterGenerator) Generate(ctx context.Context, req PosterRequest) (Image, error) {
	if strings.TrimSpace(g.URL) == "" {
		return Image{}, errors.New("poster generator url is required")
	}
	b, err := json.Marshal(req)
	if err != nil {
		return Image{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.URL, bytes.NewReader(b))
	if err != nil {
		return Image{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.APIKey)
	}
	client := g.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return Image{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Image{}, fmt.Errorf("poster request failed: %s %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Image{}, fmt.Errorf("reading poster: %w", err)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	return Image{Data: data, ContentType: ct}, nil
}
