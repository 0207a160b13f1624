package errorhandler

import "errors"

var userMessages = map[Category]string{
	CategoryNetwork:    "A network problem interrupted the operation. Check your connection and try again.",
	CategoryValidation: "Some of the information provided is not valid. Review it and try again.",
	CategoryFileSystem: "A file could not be read or written. Check that it exists and is accessible.",
	CategoryService:    "The service could not complete the request. Try again later.",
	CategoryFatal:      "An unexpected problem occurred. Restart the application and try again.",
}

// ToUserMessage renders a message for rec that depends only on its
// category and never exposes causes, ids or stack traces.
func ToUserMessage(rec Record) string {
	if msg, ok := userMessages[rec.Category]; ok {
		return msg
	}
	return userMessages[CategoryService]
}

// UserMessage renders a user-safe message for any error.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var handled *HandledError
	if errors.As(err, &handled) {
		return ToUserMessage(handled.Record)
	}
	return ToUserMessage(Record{Category: Classify(err)})
}
