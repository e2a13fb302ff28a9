// Package statement renders a billing summary as a printable PDF.
package statement

import (
	"fmt"
	"strings"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
	billingreport "github.com/smallbiznis/walletledger/internal/billingreport/domain"
	"github.com/smallbiznis/walletledger/pkg/money"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

type Renderer struct {
	log *zap.Logger
}

func NewRenderer(log *zap.Logger) *Renderer {
	return &Renderer{log: log.Named("billingreport.statement")}
}

// Render lays out the summary as a single statement document.
func (r *Renderer) Render(summary billingreport.BillingSummary) ([]byte, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(20,
		text.NewCol(8, "Billing statement", props.Text{
			Size:  18,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
		text.NewCol(4, "Company "+summary.CompanyID.String(), props.Text{
			Size:  9,
			Align: align.Right,
			Top:   4,
		}),
	)
	m.AddRow(15,
		col.New(6).Add(
			text.New("Period: "+periodLabel(summary), props.Text{Size: 9}),
			text.New("Currency: "+summary.Currency, props.Text{Size: 9, Top: 5}),
		),
		col.New(6).Add(
			text.New("Wallet balance: "+formatAmount(summary.WalletBalance, summary.Currency), props.Text{Size: 9, Align: align.Right}),
			text.New(fmt.Sprintf("Active apps: %d", summary.ActiveAppCount), props.Text{Size: 9, Align: align.Right, Top: 5}),
		),
	)

	m.AddRow(10,
		text.NewCol(12, "Subscriptions", props.Text{Style: fontstyle.Bold, Size: 11, Top: 3}),
	)
	m.AddRow(8,
		text.NewCol(3, "Kind", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(4, "Reference", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Status", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(3, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	for _, line := range summary.Subscriptions {
		m.AddRow(7,
			text.NewCol(3, strings.ToLower(string(line.Kind)), props.Text{Size: 9}),
			text.NewCol(4, line.Reference, props.Text{Size: 9}),
			text.NewCol(2, string(line.Status), props.Text{Size: 9}),
			text.NewCol(3, formatAmount(line.Amount, summary.Currency), props.Text{Size: 9, Align: align.Right}),
		)
	}

	m.AddRow(10,
		text.NewCol(12, "Usage", props.Text{Style: fontstyle.Bold, Size: 11, Top: 3}),
	)
	m.AddRow(8,
		text.NewCol(6, "Feature", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(3, "Quantity", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(3, "Cost", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	for _, usage := range summary.UsageBreakdown {
		m.AddRow(7,
			text.NewCol(6, usage.Feature, props.Text{Size: 9}),
			text.NewCol(3, fmt.Sprintf("%d", usage.Quantity), props.Text{Size: 9, Align: align.Right}),
			text.NewCol(3, formatAmount(usage.Cost, summary.Currency), props.Text{Size: 9, Align: align.Right}),
		)
	}

	m.AddRow(8,
		col.New(6),
		text.NewCol(3, "Subscriptions", props.Text{Size: 9, Top: 2}),
		text.NewCol(3, formatAmount(summary.SubscriptionsCost, summary.Currency), props.Text{Size: 9, Align: align.Right, Top: 2}),
	)
	m.AddRow(8,
		col.New(6),
		text.NewCol(3, "Usage", props.Text{Size: 9}),
		text.NewCol(3, formatAmount(summary.UsageCost, summary.Currency), props.Text{Size: 9, Align: align.Right}),
	)
	m.AddRow(10,
		col.New(6),
		text.NewCol(3, "Total", props.Text{Size: 10, Style: fontstyle.Bold}),
		text.NewCol(3, formatAmount(summary.Total, summary.Currency), props.Text{Size: 10, Style: fontstyle.Bold, Align: align.Right}),
	)

	doc, err := m.Generate()
	if err != nil {
		r.log.Error("failed to render statement", zap.Error(err))
		return nil, fmt.Errorf("render statement: %w", err)
	}
	return doc.GetBytes(), nil
}

// Filename names the statement after the company and its period start.
func Filename(summary billingreport.BillingSummary) string {
	return fmt.Sprintf("statement-%s-%s.pdf", summary.CompanyID.String(), summary.PeriodStart.UTC().Format("2006-01"))
}

func periodLabel(summary billingreport.BillingSummary) string {
	// PeriodEnd is exclusive.
	last := summary.PeriodEnd.UTC().AddDate(0, 0, -1)
	return summary.PeriodStart.UTC().Format(dateLayout) + " to " + last.Format(dateLayout)
}

func formatAmount(amount int64, currency string) string {
	if currency == "" {
		return fmt.Sprintf("%d", amount)
	}
	return money.New(amount, currency).String()
}
