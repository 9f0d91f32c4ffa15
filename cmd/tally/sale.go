package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/hyperengineering/tally"
)

var saleCmd = &cobra.Command{
	Use:   "sale",
	Short: "Record a sale offline",
	Long: `Record a sale and its lines in the local cache and queue them for sync.

Each --line is product:quantity:unit_price. The product may be a server id or
the client ref of a product created on this till. The total is computed from
the lines unless --total is given.`,
	Example: `  tally sale --line 7:2:4.50 --line 9:1:6.00 --payment cash
  tally sale --line 7:1:4.50 --customer 31 --number R-1001 --json`,
	RunE: runSale,
}

var (
	saleLines    []string
	saleCustomer string
	salePayment  string
	saleNumber   string
	saleTotal    string
	saleNote     string
)

func init() {
	saleCmd.Flags().StringArrayVarP(&saleLines, "line", "l", nil, "Sale line as product:quantity:unit_price (repeatable)")
	saleCmd.Flags().StringVar(&saleCustomer, "customer", "", "Customer id or client ref")
	saleCmd.Flags().StringVar(&salePayment, "payment", "", "Payment method, e.g. cash or card")
	saleCmd.Flags().StringVar(&saleNumber, "number", "", "Receipt number")
	saleCmd.Flags().StringVar(&saleTotal, "total", "", "Sale total (default: sum of lines)")
	saleCmd.Flags().StringVar(&saleNote, "note", "", "Free-form note")
}

func runSale(cmd *cobra.Command, args []string) error {
	in, err := saleInput()
	if err != nil {
		return err
	}

	client, err := openClient()
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	rec, err := client.RecordSale(context.Background(), in)
	if err != nil {
		return fmt.Errorf("record sale: %w", err)
	}

	if outputJSON {
		return outputAsJSON(cmd, rec)
	}

	out := cmd.OutOrStdout()
	printSuccess(out, "Recorded sale %s with %d lines", rec.Sale.LocalID, len(rec.Lines))
	fmt.Fprintln(out, renderMarkdown(receiptMarkdown(rec)))
	fmt.Fprintf(out, "Pending sync: %d\n", client.PendingCount())
	return nil
}

func saleInput() (tally.SaleInput, error) {
	in := tally.SaleInput{
		Sale: tally.Sale{
			Number:        saleNumber,
			CustomerID:    saleCustomer,
			PaymentMethod: salePayment,
			Note:          saleNote,
		},
	}
	if saleTotal != "" {
		total, err := decimal.NewFromString(saleTotal)
		if err != nil {
			return in, fmt.Errorf("invalid --total %q", saleTotal)
		}
		in.Sale.Total = total
	}
	if len(saleLines) == 0 {
		return in, fmt.Errorf("at least one --line is required")
	}
	for _, arg := range saleLines {
		line, err := parseSaleLine(arg)
		if err != nil {
			return in, err
		}
		in.Lines = append(in.Lines, line)
	}
	return in, nil
}

// parseSaleLine parses product:quantity:unit_price. The product part may
// itself contain colons.
func parseSaleLine(arg string) (tally.SaleLine, error) {
	priceAt := strings.LastIndex(arg, ":")
	if priceAt <= 0 {
		return tally.SaleLine{}, fmt.Errorf("invalid --line %q: want product:quantity:unit_price", arg)
	}
	qtyAt := strings.LastIndex(arg[:priceAt], ":")
	if qtyAt <= 0 {
		return tally.SaleLine{}, fmt.Errorf("invalid --line %q: want product:quantity:unit_price", arg)
	}

	qty, err := strconv.ParseInt(arg[qtyAt+1:priceAt], 10, 64)
	if err != nil {
		return tally.SaleLine{}, fmt.Errorf("invalid --line %q: quantity must be a whole number", arg)
	}
	price, err := decimal.NewFromString(arg[priceAt+1:])
	if err != nil {
		return tally.SaleLine{}, fmt.Errorf("invalid --line %q: bad unit price", arg)
	}
	return tally.SaleLine{ProductID: arg[:qtyAt], Quantity: qty, UnitPrice: price}, nil
}
