// Package model defines the records exchanged with the CRM and license API.
package model

// Customer is a license API customer record.
type Customer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

// NewCustomer is the payload for creating a customer.
type NewCustomer struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Trial is a time-limited product trial. It carries the key mailed to the
// customer to confirm their address.
type Trial struct {
	ID              string `json:"id"`
	CustomerID      string `json:"customer_id"`
	ProductID       string `json:"product_id"`
	Length          int    `json:"length"`
	Seats           int    `json:"seats"`
	Verified        bool   `json:"verified"`
	VerificationKey string `json:"verification_key"`
}

// NewTrial is the payload for creating a trial.
type NewTrial struct {
	CustomerID string `json:"customer_id"`
	ProductID  string `json:"product_id"`
	Length     int    `json:"length"`
	Seats      int    `json:"seats"`
}

// License is an issued product license.
type License struct {
	LicenseKey string `json:"license_key"`
	ProductID  string `json:"product_id"`
	CustomerID string `json:"customer_id"`
	Seats      int    `json:"seats"`
}

// Lead is the signup form as submitted to the CRM.
type Lead struct {
	FirstName    string
	LastName     string
	Email        string
	Phone        string
	Company      string
	NumEmployees string
	Comments     string
}

// FullName joins the first and last name the way customer records store it.
func (l Lead) FullName() string {
	return l.FirstName + " " + l.LastName
}

// Completion is what the verification step shows once the license is mailed.
type Completion struct {
	Email           string
	LicenseKey      string
	RequirementsURL string
	InstructionsURL string
	SupportEmail    string
}
