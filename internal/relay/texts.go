package relay

const handlePrefix = "Anonymous_"

const textHelp = "/al — list of anonymous senders with pagination\n" +
	"/am <sender ID> — messages of a sender with pagination\n" +
	"/r <message ID> <text> — reply anonymously\n" +
	"/help — operator help\n"

const (
	textGreeting       = "Hi! Send your anonymous message."
	textSubmitted      = "Message sent anonymously."
	textFailure        = "Something went wrong, please try again later."
	textNoSenders      = "The list of anonymous senders is empty."
	textBoundary       = "Reached the end of the list."
	textUsageMessages  = "Usage: /am {sender ID}"
	textUsageReply     = "Usage: /r {message ID} {reply text}"
	textSenderNotFound = "No anonymous sender with that ID."
	textReplySent      = "Reply sent."
	textReplyNotFound  = "No message with that ID."
	textNoRecipient    = "No recipient found for this message."
)

const (
	labelBack    = "⬅️ Back"
	labelForward = "Forward ➡️"
)

const (
	formatOperatorNotice = "ID: %d\nFrom: %s\nMessage: %s"
	formatReply          = "Reply from administrator: %s"
	formatSenderRow      = "%d. %s (id: %d) — messages: %d"
	formatMessagesHeader = "Messages from %s (id: %d):"
	formatMessageRow     = "%d:\t%s"
	formatNoMessages     = "%s (id: %d) has no messages."
)
