package detector

import "context"

// Image is the file the user picked, held as raw bytes with its MIME type.
type Image struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Detection is one object reported by the detection service. BBox is kept
// as the service sent it; its length and meaning are not interpreted.
type Detection struct {
	Class      string    `json:"class"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"`
}

// Response is the body returned by POST /detect.
type Response struct {
	Detections []Detection `json:"detections"`
}

// Client exposes the subset of the detection service used by the upload flow.
type Client interface {
	Detect(ctx context.Context, img Image) ([]Detection, error)
}
