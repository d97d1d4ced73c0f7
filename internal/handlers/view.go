package handlers

import (
	"encoding/json"
	"html/template"

	"github.com/karfong/frontend-plastic-detection/internal/recycling"
	"github.com/karfong/frontend-plastic-detection/internal/usecase"
)

type statusView struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

type imageView struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
}

type detectionView struct {
	Class      string    `json:"class"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"`
	Category   string    `json:"category"`
	Recyclable bool      `json:"recyclable"`
}

type countView struct {
	Category  string `json:"category"`
	ResinCode int    `json:"resin_code"`
	Count     int    `json:"count"`
}

// stateView is the rendering of a usecase.Snapshot shared by the HTML page
// and the JSON API.
type stateView struct {
	Phase           string          `json:"phase"`
	Outcome         string          `json:"outcome"`
	Loading         bool            `json:"loading"`
	Status          statusView      `json:"status"`
	Image           *imageView      `json:"image,omitempty"`
	PreviewURL      string          `json:"preview_url,omitempty"`
	Detections      []detectionView `json:"detections"`
	Counts          []countView     `json:"counts"`
	RecognizedTotal int             `json:"recognized_total"`
}

type pageView struct {
	State  stateView
	Notice string
}

func newStateView(snap usecase.Snapshot) stateView {
	view := stateView{
		Phase:           snap.Phase.String(),
		Outcome:         snap.Outcome.String(),
		Loading:         snap.Loading,
		Status:          statusView{Kind: snap.Status.Kind.String(), Text: snap.Status.Text},
		Detections:      make([]detectionView, 0, len(snap.Detections)),
		Counts:          make([]countView, 0, len(recycling.Categories)),
		RecognizedTotal: snap.Counts.Total(),
	}
	if snap.Image != nil {
		view.Image = &imageView{
			Filename:    snap.Image.Filename,
			ContentType: snap.Image.ContentType,
			Size:        len(snap.Image.Data),
		}
	}
	if snap.Preview != nil {
		view.PreviewURL = snap.Preview.URL
	}
	for _, d := range snap.Detections {
		category := recycling.Classify(d.Class)
		bbox := d.BBox
		if bbox == nil {
			bbox = []float64{}
		}
		view.Detections = append(view.Detections, detectionView{
			Class:      d.Class,
			Confidence: d.Confidence,
			BBox:       bbox,
			Category:   category.String(),
			Recyclable: category.Recyclable(),
		})
	}
	for _, c := range recycling.Categories {
		view.Counts = append(view.Counts, countView{
			Category:  c.String(),
			ResinCode: c.ResinCode(),
			Count:     snap.Counts.Get(c),
		})
	}
	return view
}

var templateFuncs = template.FuncMap{
	"json": func(v interface{}) (string, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	},
}
