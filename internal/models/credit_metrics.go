package models

// Tag values used by the SMA, NPA and write-off flags.
const (
	TagYes = "YES"
	TagNo  = "NO"
)

// CreditMetrics is the flat rollup derived from a bureau report.
type CreditMetrics struct {
	CreditScore          int     `json:"credit_score"`
	PopulationRank       int     `json:"population_rank"`
	ScoreModel           string  `json:"score_model"`
	TotalAccounts        int     `json:"total_accounts"`
	TotalInquiries       int     `json:"total_inquiries"`
	InquiriesLast1Month  int     `json:"inquiries_last_1_month"`
	InquiriesLast3Months int     `json:"inquiries_last_3_months"`
	InquiriesLast6Months int     `json:"inquiries_last_6_months"`
	TotalSecuredLoans    float64 `json:"total_secured_loans"`
	TotalUnsecuredLoans  float64 `json:"total_unsecured_loans"`
	TotalLiabilities     float64 `json:"total_liabilities"`
	TotalHighCredit      float64 `json:"total_high_credit"`
	MaxDPDDays           int     `json:"max_dpd_days"`
	BouncesLast3Months   int     `json:"bounces_last_3_months"`
	BouncesLast6Months   int     `json:"bounces_last_6_months"`
	BouncesLast12Months  int     `json:"bounces_last_12_months"`
	OnTimePaymentPct     float64 `json:"on_time_payment_pct"`
	SMATag               string  `json:"sma_tag"`
	NPATag               string  `json:"npa_tag"`
	WriteOffTag          string  `json:"write_off_tag"`
}
