// Package twiml renders the minimal voice-response documents the carrier
// fetches when an outbound call connects.
package twiml

import (
	"encoding/xml"
	"fmt"
)

// Response is the root element of a voice-response document.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

// Say speaks text to the callee.
type Say struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

// Pause waits for the given number of seconds.
type Pause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr"`
}

// Hangup ends the call.
type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// Render serializes the response with the XML declaration the carrier
// expects.
func (r *Response) Render() ([]byte, error) {
	body, err := xml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshaling voice response: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// Greeting is the document served while detection runs: a short message,
// a beat of silence for the classifier to listen through, then hang up.
func Greeting(message string, holdSeconds int) *Response {
	return &Response{
		Verbs: []any{
			Say{Text: message},
			Pause{Length: holdSeconds},
			Hangup{},
		},
	}
}

// Goodbye is served when the call is already terminal by the time the
// carrier asks for instructions.
func Goodbye() *Response {
	return &Response{
		Verbs: []any{
			Say{Text: "Goodbye."},
			Hangup{},
		},
	}
}

// Fallback is the document served when rendering the configured greeting
// fails. It must never itself fail to render.
func Fallback() []byte {
	return []byte(xml.Header + "<Response><Say>Hello. Goodbye.</Say><Hangup></Hangup></Response>")
}
