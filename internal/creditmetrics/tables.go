package creditmetrics

// Loan classification used for the liability buckets.
const (
	Secured   = "SECURED"
	Unsecured = "UNSECURED"
)

// accountTypes maps bureau account-type codes to their collateral class.
// Codes not listed are treated as unsecured.
var accountTypes = map[string]string{
	"01": Secured,   // Auto Loan (Personal)
	"02": Secured,   // Housing Loan
	"03": Secured,   // Property Loan
	"04": Secured,   // Loan Against Shares/Securities
	"05": Unsecured, // Personal Loan
	"06": Unsecured, // Consumer Loan
	"07": Secured,   // Gold Loan
	"08": Unsecured, // Education Loan
	"09": Unsecured, // Loan to Professional
	"10": Unsecured, // Credit Card
	"11": Secured,   // Leasing
	"12": Unsecured, // Overdraft
	"13": Secured,   // Two-wheeler Loan
	"14": Unsecured, // Non-Funded Credit Facility
	"15": Secured,   // Loan Against Bank Deposits
	"16": Unsecured, // Fleet Card
	"17": Secured,   // Commercial Vehicle Loan
	"31": Secured,   // Secured Credit Card
	"32": Secured,   // Used Car Loan
	"33": Secured,   // Construction Equipment Loan
	"34": Secured,   // Tractor Loan
	"35": Unsecured, // Corporate Credit Card
	"36": Unsecured, // Kisan Credit Card
	"37": Unsecured, // Loan on Credit Card
	"38": Unsecured, // Prime Minister Jaan Dhan Yojana Overdraft
	"39": Unsecured, // Mudra Loans
	"40": Unsecured, // Microfinance Business Loan
	"41": Unsecured, // Microfinance Personal Loan
	"42": Secured,   // Microfinance Housing Loan
	"43": Unsecured, // Microfinance Others
	"44": Secured,   // Pradhan Mantri Awas Yojana
	"50": Secured,   // Business Loan Secured
	"51": Unsecured, // Business Loan General
	"52": Unsecured, // Business Loan Priority Sector Small Business
	"53": Unsecured, // Business Loan Priority Sector Agriculture
	"54": Unsecured, // Business Loan Priority Sector Others
	"55": Unsecured, // Business Non-Funded Credit Facility General
	"56": Unsecured, // Business Non-Funded Credit Facility Priority Sector
	"57": Unsecured, // Business Non-Funded Credit Facility Agriculture
	"58": Unsecured, // Business Non-Funded Credit Facility Others
	"59": Unsecured, // Business Loan Against Bank Deposits
	"61": Unsecured, // Business Loan Unsecured
	"69": Unsecured, // Short Term Personal Loan
	"70": Unsecured, // Priority Sector Gold Loan
	"71": Unsecured, // Temporary Overdraft
}

// noDataStatuses are placeholder payment-status codes that carry no
// repayment information.
var noDataStatuses = map[string]bool{
	"XXX": true,
	"STD": true,
	"LSS": true,
}

var smaStatuses = map[string]bool{
	"SMA":   true,
	"SMA0":  true,
	"SMA1":  true,
	"SMA2":  true,
	"SMA-0": true,
	"SMA-1": true,
	"SMA-2": true,
}

var npaStatuses = map[string]bool{
	"SUB": true,
	"DBT": true,
	"LSS": true,
	"NPA": true,
}

// delinquencyCodes maps single-character bucket codes to days past due.
// Multi-digit statuses ("030", "090") already carry the day count.
var delinquencyCodes = map[string]int{
	"0": 0,
	"1": 30,
	"2": 60,
	"3": 90,
	"4": 120,
	"5": 150,
	"6": 180,
}

// Trailing windows, in days before the report date.
const (
	window1Month   = 30
	window3Months  = 90
	window6Months  = 180
	window12Months = 365
)

func classifyAccount(code string) string {
	if class, ok := accountTypes[code]; ok {
		return class
	}
	return Unsecured
}
