// Package export renders sourcing job results as spreadsheets.
package export

import (
	"io"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/sourcing-cli/internal/model"
)

const (
	// ContentType is the MIME type of the workbook WriteJob produces.
	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	resultsSheet = "Results"
	jobSheet     = "Job"
)

var resultHeader = []string{
	"Rank", "Score", "Platform", "Country", "Title", "Price USD", "Price Local", "Currency",
	"Seller", "Seller Rating", "MOQ", "Shipping Days", "Landed Cost USD", "Landed Cost Local",
	"Per Unit Local", "Margin %", "ROI %", "Provider", "Delivery Days", "URL", "Notes",
}

// WriteJob writes a workbook with a job summary sheet and one row per
// result, in stored order.
func WriteJob(w io.Writer, job model.SourcingJob, results []model.SourcingResult) error {
	f := xlsx.NewFile()

	sheet, err := f.AddSheet(resultsSheet)
	if err != nil {
		return eris.Wrap(err, "xlsx: add results sheet")
	}
	addStrings(sheet.AddRow(), resultHeader...)
	for _, r := range results {
		addResult(sheet.AddRow(), r)
	}

	summary, err := f.AddSheet(jobSheet)
	if err != nil {
		return eris.Wrap(err, "xlsx: add job sheet")
	}
	addStrings(summary.AddRow(), "Job ID", job.ID)
	addStrings(summary.AddRow(), "Product ID", job.ProductID)
	addStrings(summary.AddRow(), "Query", job.Query)
	addStrings(summary.AddRow(), "Status", string(job.Status))
	addStrings(summary.AddRow(), "Created", job.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
	if job.FinishedAt != nil {
		addStrings(summary.AddRow(), "Finished", job.FinishedAt.UTC().Format("2006-01-02 15:04:05"))
	}
	if job.FailReason != "" {
		addStrings(summary.AddRow(), "Fail Reason", job.FailReason)
	}
	addStrings(summary.AddRow(), "Quantity", strconv.Itoa(job.Params.Quantity))
	addStrings(summary.AddRow(), "Weight kg", job.Params.WeightKg.String())
	addStrings(summary.AddRow(), "Provider", job.Params.ProviderID)

	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "xlsx: write workbook")
	}
	return nil
}

func addResult(row *xlsx.Row, r model.SourcingResult) {
	o := r.Offer
	if r.Rank != nil {
		row.AddCell().SetInt(*r.Rank)
	} else {
		row.AddCell()
	}
	addFloatPtr(row, r.AIMatchScore)
	addStrings(row, o.PlatformName, o.Country, o.Title)
	addDecimal(row, &o.PriceUSD)
	addDecimal(row, o.PriceLocal)
	addStrings(row, o.Currency, o.SellerName)
	addFloatPtr(row, o.SellerRating)
	addIntPtr(row, o.MinOrderQty)
	addIntPtr(row, o.ShippingDays)

	c := r.Cargo
	if c == nil {
		for i := 0; i < 7; i++ {
			row.AddCell()
		}
	} else {
		addDecimal(row, &c.LandedCostUSD)
		addDecimal(row, &c.LandedCostLocal)
		addDecimal(row, &c.LandedCostPerUnitLocal)
		addDecimal(row, c.MarginPct)
		addDecimal(row, c.ROIPct)
		addStrings(row, c.ProviderName)
		row.AddCell().SetInt(c.DeliveryDays)
	}
	addStrings(row, o.URL, r.AINotes)
}

func addStrings(row *xlsx.Row, values ...string) {
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

func addDecimal(row *xlsx.Row, d *decimal.Decimal) {
	cell := row.AddCell()
	if d == nil {
		return
	}
	f, _ := d.Float64()
	cell.SetFloat(f)
}

func addFloatPtr(row *xlsx.Row, f *float64) {
	cell := row.AddCell()
	if f != nil {
		cell.SetFloat(*f)
	}
}

func addIntPtr(row *xlsx.Row, n *int) {
	cell := row.AddCell()
	if n != nil {
		cell.SetInt(*n)
	}
}
