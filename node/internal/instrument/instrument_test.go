// SPDX-FileCopyrightText: Copyright (C) 2026  The Relaymix Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package instrument

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestCounters(t *testing.T) {
	require := require.New(t)

	final := packetsDecoded.WithLabelValues("final")
	before := counterValue(t, final)
	PacketDecoded("final")
	PacketDecoded("final")
	require.Equal(before+2, counterValue(t, final))

	before = counterValue(t, packetsReplayed)
	PacketReplayed()
	require.Equal(before+1, counterValue(t, packetsReplayed))

	win := acknowledgements.WithLabelValues("win")
	before = counterValue(t, win)
	Acknowledgement("win")
	require.Equal(before+1, counterValue(t, win))
}
