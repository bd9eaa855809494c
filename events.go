package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
)

// EventSink receives what the search provider emits. Implementations are
// called on the event loop and must not block.
type EventSink interface {
	ResultsAvailable(id int, results []Result)
	SearchFinished(id int)
	ArtLoaded(id int, img image.Image)
}

// SinkFuncs adapts plain functions to an EventSink. Nil fields are skipped.
type SinkFuncs struct {
	OnResults  func(id int, results []Result)
	OnFinished func(id int)
	OnArt      func(id int, img image.Image)
}

func (f SinkFuncs) ResultsAvailable(id int, results []Result) {
	if f.OnResults != nil {
		f.OnResults(id, results)
	}
}

func (f SinkFuncs) SearchFinished(id int) {
	if f.OnFinished != nil {
		f.OnFinished(id)
	}
}

func (f SinkFuncs) ArtLoaded(id int, img image.Image) {
	if f.OnArt != nil {
		f.OnArt(id, img)
	}
}

// MultiSink fans events out to every sink in order.
type MultiSink []EventSink

func (m MultiSink) ResultsAvailable(id int, results []Result) {
	for _, s := range m {
		s.ResultsAvailable(id, results)
	}
}

func (m MultiSink) SearchFinished(id int) {
	for _, s := range m {
		s.SearchFinished(id)
	}
}

func (m MultiSink) ArtLoaded(id int, img image.Image) {
	for _, s := range m {
		s.ArtLoaded(id, img)
	}
}

const (
	EventResults         = "results"
	EventFinished        = "finished"
	EventArt             = "art"
	EventBiography       = "biography"
	EventBiographiesDone = "biographies_finished"
)

// Event is the wire form of an emitted event.
type Event struct {
	Type    string   `json:"type"`
	ID      int      `json:"id"`
	Results []Result `json:"results,omitempty"`
	// Image is a data: URL of a PNG, empty when no art was found.
	Image     string     `json:"image,omitempty"`
	Biography *Biography `json:"biography,omitempty"`
}

func resultsEvent(id int, results []Result) Event {
	return Event{Type: EventResults, ID: id, Results: results}
}

func finishedEvent(id int) Event {
	return Event{Type: EventFinished, ID: id}
}

func artEvent(id int, img image.Image) Event {
	ev := Event{Type: EventArt, ID: id}
	if img != nil {
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err == nil {
			ev.Image = "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
		}
	}
	return ev
}

func biographyEvent(id int, bio Biography) Event {
	return Event{Type: EventBiography, ID: id, Biography: &bio}
}

func biographiesDoneEvent(id int) Event {
	return Event{Type: EventBiographiesDone, ID: id}
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
