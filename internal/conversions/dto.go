package conversions

import "time"

// ConversionResponse is the outward-facing representation of a conversion.
type ConversionResponse struct {
	ConversionID  string           `json:"conversionId"`
	Phase         Phase            `json:"phase"`
	OriginalName  string           `json:"originalName"`
	ConvertedName string           `json:"convertedName,omitempty"`
	Discarded     bool             `json:"discarded,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	Result        *GeneratedResult `json:"result,omitempty"`
}

// ShareInfo is the payload handed to the platform share capability.
type ShareInfo struct {
	Title string `json:"title"`
	Text  string `json:"text"`
	URL   string `json:"url"`
}

const (
	DefaultShareTitle = "HIMAN Converter"
	DefaultShareText  = "I just converted my file to CDR for free using HIMAN!"
)

func (s *Service) toResponse(conv Conversion) ConversionResponse {
	resp := ConversionResponse{
		ConversionID: conv.ID,
		Phase:        conv.Phase,
		OriginalName: conv.OriginalName,
		Discarded:    conv.Discarded(),
		CreatedAt:    conv.CreatedAt,
		Result:       s.Result(conv),
	}
	if conv.Phase == PhaseSucceeded {
		resp.ConvertedName = conv.ConvertedName
	}
	return resp
}
