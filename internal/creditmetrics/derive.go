package creditmetrics

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"lending-api/internal/models"
)

var (
	ErrUnrecognizedReport = errors.New("unrecognized bureau report shape")
	ErrMalformedReport    = errors.New("malformed bureau report")
)

// Result carries the metrics together with the report date they were
// measured against.
type Result struct {
	Metrics    models.CreditMetrics
	ReportDate time.Time
}

// Default is the all-zero rollup returned when derivation fails.
func Default() models.CreditMetrics {
	return models.CreditMetrics{
		SMATag:      models.TagNo,
		NPATag:      models.TagNo,
		WriteOffTag: models.TagNo,
	}
}

// DeriveJSON decodes a raw bureau response and derives its metrics.
func DeriveJSON(raw []byte) (Result, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Result{Metrics: Default()}, fmt.Errorf("%w: %v", ErrMalformedReport, err)
	}
	return Derive(doc)
}

// Derive uses DefaultExtractors.
func Derive(doc map[string]any) (Result, error) {
	return DeriveWith(doc, DefaultExtractors)
}

// DeriveWith tries each extractor in order and derives metrics from the first
// node found. On any error the metrics are Default.
func DeriveWith(doc map[string]any, extractors []Extractor) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Metrics: Default()}
			err = fmt.Errorf("%w: %v", ErrMalformedReport, r)
		}
	}()

	node, ok := locate(doc, extractors)
	if !ok {
		return Result{Metrics: Default()}, ErrUnrecognizedReport
	}

	reportDate, err := findReportDate(doc, node)
	if err != nil {
		return Result{Metrics: Default()}, err
	}

	d := deriver{
		reportDate: reportDate,
		cut1m:      reportDate.AddDate(0, 0, -window1Month),
		cut3m:      reportDate.AddDate(0, 0, -window3Months),
		cut6m:      reportDate.AddDate(0, 0, -window6Months),
		cut12m:     reportDate.AddDate(0, 0, -window12Months),
		m:          Default(),
	}
	if err := d.run(node); err != nil {
		return Result{Metrics: Default()}, err
	}

	return Result{Metrics: d.m, ReportDate: reportDate}, nil
}

func findReportDate(doc, node map[string]any) (time.Time, error) {
	for _, holder := range []map[string]any{node, doc} {
		inquiry, err := objectAt(holder, "sourceInquiry")
		if err != nil {
			return time.Time{}, err
		}
		if inquiry != nil {
			if ts, ok := inquiry["inquiryTimestamp"]; ok {
				return reportDay(ts)
			}
		}
	}

	control, err := objectAt(doc, "controlData")
	if err != nil {
		return time.Time{}, err
	}
	if control != nil {
		if ts, ok := control["reportDate"]; ok {
			return reportDay(ts)
		}
	}
	return time.Time{}, fmt.Errorf("%w: report date missing", ErrMalformedReport)
}

func reportDay(v any) (time.Time, error) {
	t, err := parseDate(v)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}

type deriver struct {
	reportDate time.Time
	cut1m      time.Time
	cut3m      time.Time
	cut6m      time.Time
	cut12m     time.Time
	m          models.CreditMetrics

	paymentsTotal  int
	paymentsOnTime int
}

func (d *deriver) run(node map[string]any) error {
	if err := d.scores(node); err != nil {
		return err
	}

	enquiries, err := arrayAt(node, "enquiries")
	if err != nil {
		return err
	}
	d.m.TotalInquiries = len(enquiries)
	for _, raw := range enquiries {
		if err := d.enquiry(raw); err != nil {
			return err
		}
	}

	accounts, err := arrayAt(node, "accounts")
	if err != nil {
		return err
	}
	d.m.TotalAccounts = len(accounts)
	for _, raw := range accounts {
		if err := d.account(raw); err != nil {
			return err
		}
	}

	d.m.OnTimePaymentPct = 100
	if d.paymentsTotal > 0 {
		d.m.OnTimePaymentPct = round2(float64(d.paymentsOnTime) * 100 / float64(d.paymentsTotal))
	}
	return nil
}

func (d *deriver) scores(node map[string]any) error {
	scores, err := arrayAt(node, "scores")
	if err != nil || len(scores) == 0 {
		return err
	}
	score, err := asObject(scores[0], "scores")
	if err != nil {
		return err
	}
	if d.m.CreditScore, err = toInt(score["score"]); err != nil {
		return err
	}
	if d.m.PopulationRank, err = toInt(score["populationRank"]); err != nil {
		return err
	}
	if d.m.ScoreModel, err = toString(score["scoreName"]); err != nil {
		return err
	}
	return nil
}

func (d *deriver) enquiry(raw any) error {
	enq, err := asObject(raw, "enquiries")
	if err != nil {
		return err
	}
	date, err := parseDate(enq["enquiryDate"])
	if err != nil {
		return err
	}
	if !date.Before(d.cut1m) {
		d.m.InquiriesLast1Month++
	}
	if !date.Before(d.cut3m) {
		d.m.InquiriesLast3Months++
	}
	if !date.Before(d.cut6m) {
		d.m.InquiriesLast6Months++
	}
	return nil
}

func (d *deriver) account(raw any) error {
	acc, err := asObject(raw, "accounts")
	if err != nil {
		return err
	}

	code, err := accountTypeCode(acc["accountType"])
	if err != nil {
		return err
	}
	balance, err := toFloat(acc["currentBalance"])
	if err != nil {
		return err
	}
	highCredit, err := toFloat(acc["highCreditAmount"])
	if err != nil {
		return err
	}

	if classifyAccount(code) == Secured {
		d.m.TotalSecuredLoans += balance
	} else {
		d.m.TotalUnsecuredLoans += balance
	}
	d.m.TotalLiabilities += balance
	d.m.TotalHighCredit += highCredit

	if err := d.writeOff(acc); err != nil {
		return err
	}

	history, err := arrayAt(acc, "monthlyPayStatus")
	if err != nil {
		return err
	}
	for _, entry := range history {
		if err := d.payment(entry); err != nil {
			return err
		}
	}
	return nil
}

func (d *deriver) writeOff(acc map[string]any) error {
	amountRaw, ok := acc["woAmountTotal"]
	if !ok {
		amountRaw = acc["writtenOffAmountTotal"]
	}
	amount, err := toFloat(amountRaw)
	if err != nil || amount <= 0 {
		return err
	}
	reported, ok := acc["dateReported"]
	if !ok || reported == nil {
		return nil
	}
	date, err := parseDate(reported)
	if err != nil {
		return err
	}
	if !date.Before(d.cut12m) {
		d.m.WriteOffTag = models.TagYes
	}
	return nil
}

func (d *deriver) payment(raw any) error {
	entry, err := asObject(raw, "monthlyPayStatus")
	if err != nil {
		return err
	}
	status, err := normalizeStatus(entry["status"])
	if err != nil {
		return err
	}
	date, err := parseDate(entry["date"])
	if err != nil {
		return err
	}
	inLastYear := !date.Before(d.cut12m)

	if inLastYear && smaStatuses[status] {
		d.m.SMATag = models.TagYes
	}
	if inLastYear && npaStatuses[status] {
		d.m.NPATag = models.TagYes
	}

	if status == "" || noDataStatuses[status] {
		return nil
	}

	if days, ok := daysPastDue(status); ok && days > d.m.MaxDPDDays {
		d.m.MaxDPDDays = days
	}

	d.paymentsTotal++
	if isTimely(status) {
		d.paymentsOnTime++
		return nil
	}

	if !date.Before(d.cut3m) {
		d.m.BouncesLast3Months++
	}
	if !date.Before(d.cut6m) {
		d.m.BouncesLast6Months++
	}
	if inLastYear {
		d.m.BouncesLast12Months++
	}
	return nil
}

func daysPastDue(status string) (int, bool) {
	if days, ok := delinquencyCodes[status]; ok {
		return days, true
	}
	n, err := strconv.Atoi(status)
	if err != nil || n < 0 {
		return 0, false
	}
	if len(status) == 1 {
		return n * 30, true
	}
	return n, true
}

func isTimely(status string) bool {
	n, err := strconv.Atoi(status)
	return err == nil && n == 0
}
