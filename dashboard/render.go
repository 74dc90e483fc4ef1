package dashboard

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04:05"
)

var (
	colorAccent = lipgloss.Color("#20B9B4")
	colorBorder = lipgloss.Color("#16858E")
	colorMuted  = lipgloss.Color("#2C4A54")
	colorWarn   = lipgloss.Color("#F4D03F")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	warnStyle   = lipgloss.NewStyle().Foreground(colorWarn)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorAccent).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorBorder).Padding(0, 1)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorBorder)).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func formatFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 4, 64)
}

// RenderModels renders the models view.
func RenderModels(v ModelsView) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Models"))
	b.WriteString("\n")

	latest, ok := v.Latest()
	if !ok {
		b.WriteString(warnStyle.Render("No models found."))
		return b.String()
	}

	summary := fmt.Sprintf("Latest model: %s (id %d)\nTrained for: date_id %d, %s\nNext training date: date_id %d, %s",
		latest.ModelName, latest.ModelID,
		latest.DateID, v.Dates[latest.DateID].Format(dateLayout),
		v.NextDateID, v.Dates[v.NextDateID].Format(dateLayout),
	)
	b.WriteString(boxStyle.Render(summary))
	b.WriteString("\n")

	t := newTable("Model ID", "Name", "Date ID", "Date", "Artifact")
	for _, m := range v.Models {
		t.Row(
			strconv.FormatInt(m.ModelID, 10),
			m.ModelName,
			strconv.Itoa(m.DateID),
			v.Dates[m.DateID].Format(dateLayout),
			m.ModelArtifactPath,
		)
	}
	b.WriteString(t.Render())
	return b.String()
}

// RenderPredictions renders the predictions view.
func RenderPredictions(v PredictionsView) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Predictions of model %d for %s (date_id %d)", v.ModelID, v.Date.Format(dateLayout), v.DateID)))
	b.WriteString("\n")
	b.WriteString(mutedStyle.Render(v.Artifact))
	b.WriteString("\n")

	if len(v.Rows) == 0 && v.Total > 0 {
		b.WriteString(warnStyle.Render(fmt.Sprintf("Page %d is past the last page (%d).", v.Page, v.TotalPages)))
		return b.String()
	}
	if len(v.Rows) == 0 {
		b.WriteString(warnStyle.Render("No available data for the selected stock."))
		return b.String()
	}

	t := newTable("Row ID", "Time", "Stock", "Seconds", "Target", "Prediction", "Error")
	for _, r := range v.Rows {
		errCell := "-"
		if r.Target != nil {
			errCell = strconv.FormatFloat(r.Value-*r.Target, 'f', 4, 64)
		}
		value := r.Value
		t.Row(
			r.RowID,
			r.Time.Format(timeLayout),
			strconv.Itoa(r.StockID),
			strconv.Itoa(r.SecondsInBucket),
			formatFloat(r.Target),
			formatFloat(&value),
			errCell,
		)
	}
	b.WriteString(t.Render())
	b.WriteString("\n")

	footer := fmt.Sprintf("%d rows", v.Total)
	if v.TotalPages > 1 {
		footer += fmt.Sprintf(", page %d of %d", v.Page, v.TotalPages)
	}
	if v.Evaluated > 0 {
		footer += fmt.Sprintf(", MAE %.4f over %d rows with a target", v.MAE, v.Evaluated)
	}
	b.WriteString(mutedStyle.Render(footer))
	return b.String()
}

// RenderStock renders the stock view.
func RenderStock(v StockView) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Stock %d on %s (date_id %d)", v.StockID, v.Date.Format(dateLayout), v.DateID)))
	b.WriteString("\n")

	if len(v.Rows) == 0 {
		b.WriteString(warnStyle.Render("No available data for the selected stock."))
		return b.String()
	}

	t := newTable("Row ID", "Time", "Ref price", "WAP", "Bid", "Ask", "Target")
	for _, r := range v.Rows {
		t.Row(
			r.RowID,
			r.Time.Format(timeLayout),
			formatFloat(r.ReferencePrice),
			formatFloat(r.WAP),
			formatFloat(r.BidPrice),
			formatFloat(r.AskPrice),
			formatFloat(r.Target),
		)
	}
	b.WriteString(t.Render())
	return b.String()
}
