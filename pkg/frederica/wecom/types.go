package wecom

import "encoding/xml"

// callbackEnvelope is the outer XML body of a POST callback. Only Encrypt is
// meaningful; the rest ride alongside in plaintext.
type callbackEnvelope struct {
	XMLName    xml.Name `xml:"xml"`
	ToUserName string   `xml:"ToUserName"`
	AgentID    string   `xml:"AgentID"`
	Encrypt    string   `xml:"Encrypt"`
}

// inboundMessage is the decrypted callback payload.
type inboundMessage struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	Content      string   `xml:"Content"`
	MsgID        string   `xml:"MsgId"`
	AgentID      string   `xml:"AgentID"`
	MediaID      string   `xml:"MediaId"`
	Event        string   `xml:"Event"`
}
