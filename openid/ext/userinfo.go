// Package ext holds the built-in OpenID extensions: profile fields through
// simple registration and attribute exchange, and team membership.
package ext

import (
	"fmt"
	"strings"

	"openidrp/openid"
)

// Namespace and attribute type URIs.
const (
	NSSReg = "http://openid.net/extensions/sreg/1.1"

	AXEmail        = "http://axschema.org/contact/email"
	AXEmailSchema  = "http://schema.openid.net/contact/email"
	AXEmailOpenID  = "http://openid.net/schema/contact/email"
	AXFirstName    = "http://axschema.org/namePerson/first"
	AXLastName     = "http://axschema.org/namePerson/last"
	AXFullName     = "http://axschema.org/namePerson"
	AXFriendlyName = "http://axschema.org/namePerson/friendly"
)

// emailTypes lists the email attribute URIs in lookup order.
var emailTypes = []string{AXEmail, AXEmailSchema, AXEmailOpenID}

// UserInfo requests nickname, full name and email. Simple registration
// values win over attribute exchange values.
type UserInfo struct{}

// NewUserInfo returns the profile extension.
func NewUserInfo() *UserInfo { return &UserInfo{} }

func (*UserInfo) Name() string { return "userinfo" }

func (*UserInfo) ExtendRequest(req *openid.AuthRequest) error {
	return req.AddExtension(NSSReg, "sreg", map[string]string{
		"required": "fullname,nickname,email",
	})
}

func (*UserInfo) ExtendFetch(fetch *openid.FetchRequest) {
	fetch.Add("email", AXEmail, true)
	fetch.Add("email2", AXEmailSchema, false)
	fetch.Add("email3", AXEmailOpenID, false)
	fetch.Add("firstname", AXFirstName, true)
	fetch.Add("lastname", AXLastName, true)
	fetch.Add("fullname", AXFullName, false)
	fetch.Add("nickname", AXFriendlyName, false)
}

func (*UserInfo) Process(resp *openid.Response, id *openid.Identity) error {
	var nickname, fullName, email string
	if sreg, ok := resp.Extension(NSSReg); ok {
		nickname = strings.TrimSpace(sreg["nickname"])
		fullName = strings.TrimSpace(sreg["fullname"])
		email = strings.TrimSpace(sreg["email"])
	}

	fr, present, err := resp.FetchResponse()
	if present && err == nil {
		if email == "" {
			for _, t := range emailTypes {
				if email = strings.TrimSpace(fr.First(t)); email != "" {
					break
				}
			}
		}
		if fullName == "" {
			first, last := strings.TrimSpace(fr.First(AXFirstName)), strings.TrimSpace(fr.First(AXLastName))
			if first != "" && last != "" {
				fullName = first + " " + last
			} else {
				fullName = strings.TrimSpace(fr.First(AXFullName))
			}
		}
		if nickname == "" {
			nickname = strings.TrimSpace(fr.First(AXFriendlyName))
		}
	}

	if nickname != "" {
		id.Nickname = nickname
	}
	if fullName != "" {
		id.FullName = fullName
	}
	if email != "" {
		id.Email = email
	}
	if err != nil {
		return fmt.Errorf("attribute exchange: %w", err)
	}
	return nil
}
