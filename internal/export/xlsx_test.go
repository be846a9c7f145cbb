package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/sourcing-cli/internal/model"
)

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}

func TestWriteJob(t *testing.T) {
	rank := 1
	score := 0.87
	margin := decimal.RequireFromString("-27.14")
	finished := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	job := model.SourcingJob{
		ID:         "job-1",
		Status:     model.JobStatusDone,
		Query:      "usb hub",
		ProductID:  "p-1",
		Params:     model.JobParams{Quantity: 5, WeightKg: decimal.NewFromInt(2), ProviderID: "cn-avia"},
		CreatedAt:  finished.Add(-time.Minute),
		FinishedAt: &finished,
	}
	results := []model.SourcingResult{
		{
			Offer: model.ProductOffer{
				PlatformName: "AliExpress", Country: "CN", Title: "USB hub", PriceUSD: decimal.NewFromInt(10),
				Currency: "USD", URL: "https://aliexpress.example/1",
			},
			AIMatchScore: &score,
			AINotes:      "same product",
			Rank:         &rank,
			Cargo: &model.CargoSnapshot{
				LandedCostUSD:          decimal.RequireFromString("73.92"),
				LandedCostLocal:        decimal.NewFromInt(953568),
				LandedCostPerUnitLocal: decimal.RequireFromString("190713.6"),
				MarginPct:              &margin,
				ProviderName:           "China Avia Express",
				DeliveryDays:           10,
			},
		},
		{
			Offer: model.ProductOffer{PlatformName: "Shopee", Title: "USB cable", PriceUSD: decimal.NewFromInt(1)},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteJob(&buf, job, results))

	f, err := xlsx.OpenBinary(buf.Bytes())
	require.NoError(t, err)

	sheet, ok := f.Sheet[resultsSheet]
	require.True(t, ok)
	require.Len(t, sheet.Rows, 3)
	assert.Equal(t, resultHeader, rowToStrings(sheet.Rows[0]))

	first := rowToStrings(sheet.Rows[1])
	require.Len(t, first, len(resultHeader))
	assert.Equal(t, "1", first[0])
	assert.Equal(t, "AliExpress", first[2])
	assert.Equal(t, "73.92", first[12])
	assert.Equal(t, "China Avia Express", first[17])
	assert.Equal(t, "same product", first[20])

	second := rowToStrings(sheet.Rows[2])
	require.GreaterOrEqual(t, len(second), 5)
	assert.Equal(t, "", second[0])
	assert.Equal(t, "Shopee", second[2])
	assert.Equal(t, "USB cable", second[4])

	summary, ok := f.Sheet[jobSheet]
	require.True(t, ok)
	assert.Equal(t, []string{"Job ID", "job-1"}, rowToStrings(summary.Rows[0]))
}

func TestWriteJob_NoResults(t *testing.T) {
	var buf bytes.Buffer
	job := model.SourcingJob{ID: "job-2", Status: model.JobStatusFailed, FailReason: "time budget exceeded"}
	require.NoError(t, WriteJob(&buf, job, nil))

	f, err := xlsx.OpenBinary(buf.Bytes())
	require.NoError(t, err)
	assert.Len(t, f.Sheet[resultsSheet].Rows, 1)
}
