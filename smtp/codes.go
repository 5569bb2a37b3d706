// Package smtp has the protocol-level building blocks shared by the
// submission client and its test relays: reply codes, address parsing and
// the DATA framing with dot-stuffing.
package smtp

// ../rfc/5321:2863

// Reply codes a submission client expects or commonly sees.
var (
	C220ServiceReady = 220
	C221Closing      = 221
	C235AuthSuccess  = 235 // ../rfc/4954:573

	C250Completed               = 250
	C251UserNotLocalWillForward = 251

	C334ContinueAuth = 334 // ../rfc/4954:187
	C354Continue     = 354

	C421ServiceUnavail    = 421
	C450MailboxUnavail    = 450
	C451LocalErr          = 451
	C452StorageFull       = 452
	C454TempAuthFail      = 454 // ../rfc/4954:586
	C500BadSyntax         = 500
	C501BadParamSyntax    = 501
	C502CmdNotImpl        = 502
	C503BadCmdSeq         = 503
	C530SecurityRequired  = 530 // ../rfc/3207:148 ../rfc/4954:623
	C534AuthMechWeak      = 534 // ../rfc/4954:593
	C535AuthBadCreds      = 535 // ../rfc/4954:600
	C550MailboxUnavail    = 550
	C552MailboxFull       = 552
	C553BadMailbox        = 553
	C554TransactionFailed = 554
)

// Short enhanced reply codes, without leading class digit and first dot.
//
// See https://www.iana.org/assignments/smtp-enhanced-status-codes/smtp-enhanced-status-codes.xhtml
var (
	SeOther00 = "0.0"

	SeAddr1UnknownDestMailbox1 = "1.1"
	SeAddr1DestValid5          = "1.5" // For success responses.
	SeAddr1SenderSyntax7       = "1.7"

	SeMailbox2Full2 = "2.2"

	SeSys3NotAccepting2 = "3.2"

	SeNet4BadConn2 = "4.2"

	SeProto5Other0       = "5.0"
	SeProto5BadCmdOrSeq1 = "5.1"
	SeProto5Syntax2      = "5.2"

	SeMsg6NonASCIIAddrNotPermitted7 = "6.7" // ../rfc/6531:735

	SePol7Other0          = "7.0"
	SePol7DeliveryUnauth1 = "7.1"
	SePol7AuthBadCreds8   = "7.8"  // ../rfc/4954:600
	SePol7AuthWeakMech9   = "7.9"  // ../rfc/4954:593
	SePol7EncNeeded10     = "7.10" // ../rfc/5248:359
)

// Positive returns whether code is a 2xx or 3xx reply.
func Positive(code int) bool {
	return code >= 200 && code < 400
}

// Permanent returns whether code is a permanent negative (5xx) reply. Other
// negative replies are transient.
func Permanent(code int) bool {
	return code >= 500 && code < 600
}
