package crawler

import (
	"encoding/json"
	"fmt"
)

// ActiveDOMStatus is the readiness summary the in-page script reports.
type ActiveDOMStatus struct {
	N      int    `json:"n"`
	Scroll int    `json:"scroll"`
	ST     string `json:"st"`
	R      string `json:"r"`
	IDL    string `json:"idl"`
	EC     string `json:"ec"`
}

// ActiveDOMStat counts page elements seen by the in-page script.
type ActiveDOMStat struct {
	NI  int `json:"ni"`
	NA  int `json:"na"`
	NNM int `json:"nnm"`
	NST int `json:"nst"`
	W   int `json:"w"`
	H   int `json:"h"`
}

// ActiveDOMURLs are the document locations as the browser sees them.
type ActiveDOMURLs struct {
	URL         string `json:"URL"`
	BaseURI     string `json:"baseURI"`
	Location    string `json:"location"`
	DocumentURI string `json:"documentURI"`
}

// ActiveDOMMessage is the structured payload returned by the compute() script call.
type ActiveDOMMessage struct {
	Status *ActiveDOMStatus `json:"status,omitempty"`
	Stat   *ActiveDOMStat   `json:"stat,omitempty"`
	URLs   *ActiveDOMURLs   `json:"urls,omitempty"`
}

// ParseActiveDOMMessage decodes the JSON produced by the in-page script.
func ParseActiveDOMMessage(raw string) (*ActiveDOMMessage, error) {
	var msg ActiveDOMMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("decode active dom message: %w", err)
	}
	return &msg, nil
}

// AnchorCount returns the number of anchors reported, or -1 when unknown.
func (m *ActiveDOMMessage) AnchorCount() int {
	if m == nil || m.Stat == nil {
		return -1
	}
	return m.Stat.NA
}
