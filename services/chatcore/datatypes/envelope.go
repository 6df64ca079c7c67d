// Copyright (C) 2026 UrbanKey Technologies (engineering@urbankey.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "encoding/json"

// Envelope is the uniform response wrapper returned by every chat
// endpoint: {"success": bool, "data": ..., "message": string}.
// Message carries the human-readable error text when Success is false.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// OK wraps a payload in a successful envelope. Used by the simulator
// and by test doubles.
func OK(data any) Envelope {
	raw, err := json.Marshal(data)
	if err != nil {
		// Payloads are our own structs; a marshal failure is a
		// programming error and surfaced as a server fault.
		return Envelope{Success: false, Message: "internal encoding error"}
	}
	return Envelope{Success: true, Data: raw}
}

// Fail wraps an error message in an unsuccessful envelope.
func Fail(message string) Envelope {
	return Envelope{Success: false, Message: message}
}

// DecodeData unmarshals the envelope payload into out.
func (e Envelope) DecodeData(out any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, out)
}
