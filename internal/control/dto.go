// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Recorder License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package control

import "github.com/nishisan-dev/n-recorder/internal/lsl"

// StreamInfo é a visão externa de um stream descoberto.
type StreamInfo struct {
	UID           string  `json:"uid"`
	Name          string  `json:"name"`
	Type          string  `json:"type"`
	Hostname      string  `json:"hostname"`
	SourceID      string  `json:"source_id,omitempty"`
	ChannelCount  int     `json:"channel_count"`
	ChannelFormat string  `json:"channel_format"`
	NominalSrate  float64 `json:"nominal_srate"`
}

func toStreamInfos(descs []lsl.StreamDescriptor) []StreamInfo {
	out := make([]StreamInfo, 0, len(descs))
	for _, d := range descs {
		out = append(out, StreamInfo{
			UID:           d.UID,
			Name:          d.Name,
			Type:          d.Type,
			Hostname:      d.Hostname,
			SourceID:      d.SourceID,
			ChannelCount:  d.ChannelCount,
			ChannelFormat: d.Format.String(),
			NominalSrate:  d.NominalSrate,
		})
	}
	return out
}
