package mail

import (
	"net/mail"
	"strings"

	"signup-site-go/internal/model"
)

const senderName = "npm Enterprise"

// Installation docs linked from the license email and the completion page.
const (
	RequirementsURL = "https://docs.npmjs.com/enterprise/installation#requirements"
	InstructionsURL = "https://docs.npmjs.com/enterprise/installation"
)

func lines(ls ...string) string {
	return strings.Join(ls, "\r\n")
}

// VerificationMessage asks the customer to confirm their address. The link
// carries the trial's verification key.
func VerificationMessage(from, host string, c model.Customer, t model.Trial) Message {
	return Message{
		From:    mail.Address{Name: senderName, Address: from},
		To:      mail.Address{Name: c.Name, Address: c.Email},
		Subject: "npm Enterprise: please verify your email",
		Text: lines(
			"Hi "+c.Name+" -",
			"",
			"Thanks for trying out npm Enterprise!",
			"",
			"To get started, please click this link to verify your email address:",
			"",
			"https://"+host+"/enterprise-verify?v="+t.VerificationKey,
			"",
			"Thanks!",
			"",
			"If you have questions or problems, you can reply to this message,",
			"or email "+from,
			"",
			"",
			"npm loves you.",
			"",
		),
	}
}

// LicenseMessage sends the trial license key with installation instructions.
func LicenseMessage(from string, c model.Customer, l model.License) Message {
	return Message{
		From:    mail.Address{Name: senderName, Address: from},
		To:      mail.Address{Name: c.Name, Address: c.Email},
		Subject: "npm Enterprise: trial license key and instructions",
		Text: lines(
			"Hi "+c.Name+" -",
			"",
			"Thanks for trying out npm Enterprise!",
			"",
			"To get started, make sure you have a machine that meets the installation requirements:",
			"",
			RequirementsURL,
			"",
			"Then simply run",
			"",
			"npm install npme",
			"",
			"That's it! When prompted, provide the following information:",
			"",
			"billing email: "+c.Email,
			"license key: "+l.LicenseKey,
			"",
			"For help with the other questions asked during the installation, read "+
				"the installation instructions and other documentation:",
			"",
			InstructionsURL,
			"",
			"If you have any problems, please email "+from,
			"",
			"",
			"npm loves you.",
			"",
		),
	}
}
