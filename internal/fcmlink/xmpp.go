package fcmlink

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"

	"github.com/google/uuid"
)

const (
	xmppStreamNS = "http://etherx.jabber.org/streams"
	xmppJabberNS = "jabber:client"
	saslNS       = "urn:ietf:params:xml:ns:xmpp-sasl"
	bindNS       = "urn:ietf:params:xml:ns:xmpp-bind"
	gcmNS        = "google:mobile:data"
)

// streamHeader builds the opening (unterminated) <stream:stream> tag. FCM
// CCS expects this written once at TCP/TLS open, and again immediately
// after SASL success, on the same socket (stream restart, RFC 6120 §4.3.3).
func streamHeader(to string) string {
	return fmt.Sprintf(
		`<?xml version="1.0"?><stream:stream to="%s" version="1.0" xmlns="%s" xmlns:stream="%s">`,
		to, xmppJabberNS, xmppStreamNS,
	)
}

// saslPlainAuth builds the <auth> element carrying a PLAIN SASL payload of
// "\0 serverID@gcm.googleapis.com \0 serverKey".
func saslPlainAuth(serverID, serverKey string) string {
	raw := fmt.Sprintf("\x00%s@gcm.googleapis.com\x00%s", serverID, serverKey)
	payload := base64.StdEncoding.EncodeToString([]byte(raw))
	return fmt.Sprintf(`<auth mechanism="PLAIN" xmlns="%s">%s</auth>`, saslNS, payload)
}

// bindIQ requests resource bind, per the FCM CCS handshake; no separate
// session iq is sent.
// The iq id only needs to be unique per-connection; a fresh uuid avoids any
// risk of colliding with a stanza id FCM itself chooses.
func bindIQ() string {
	return fmt.Sprintf(`<iq type="set" id="%s"><bind xmlns="%s"/></iq>`, uuid.NewString(), bindNS)
}

// messageStanza wraps a JSON payload in the <message><gcm> envelope FCM
// expects, tagging it with a fresh stanza id so the XMPP transport layer
// has something to correlate against, independent of the message_id FCM
// assigns at the CCS protocol layer.
func messageStanza(jsonPayload []byte) string {
	return fmt.Sprintf(`<message id="%s"><gcm xmlns="%s">%s</gcm></message>`, uuid.NewString(), gcmNS, string(jsonPayload))
}

// streamCloseTag is written on graceful shutdown.
const streamCloseTag = "</stream:stream>"

// features is the minimal <stream:features> shape we care about: whether a
// <mechanisms> list is present (pre-auth) or a <bind>+<session> pair is
// present (post stream-restart).
type features struct {
	XMLName    xml.Name `xml:"features"`
	Mechanisms []string `xml:"mechanisms>mechanism"`
	Bind       *struct{} `xml:"bind"`
	Session    *struct{} `xml:"session"`
}

// saslSuccess matches <success xmlns="...xmpp-sasl"/>.
type saslSuccess struct {
	XMLName xml.Name `xml:"success"`
}

// saslFailure matches <failure xmlns="...xmpp-sasl">...</failure>.
type saslFailure struct {
	XMLName xml.Name `xml:"failure"`
	Reason  string   `xml:",innerxml"`
}

// bindResultIQ matches the <iq type="result"><bind><jid>...</jid></bind></iq>
// response that authenticates the link.
type bindResultIQ struct {
	XMLName xml.Name `xml:"iq"`
	Type    string   `xml:"type,attr"`
	Bind    struct {
		JID string `xml:"jid"`
	} `xml:"bind"`
}

// gcmMessage matches <message><gcm xmlns="google:mobile:data">JSON</gcm></message>.
type gcmMessage struct {
	XMLName xml.Name `xml:"message"`
	GCM     string   `xml:"gcm"`
}
