package server

import (
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

var errInvalidSnowflakeID = errors.New("invalid_snowflake_id")

// idField names an id carried in the path or body and the validation code a
// bad value reports.
type idField struct {
	name    string
	code    string
	message string
}

var (
	ownerIDField      = idField{name: "owner_id", code: "invalid_owner", message: "invalid owner_id"}
	subjectIDField    = idField{name: "subject_id", code: "invalid_subject", message: "invalid subject_id"}
	automationIDField = idField{name: "id", code: "invalid_automation", message: "invalid automation id"}
)

// pathID reads a snowflake path parameter, aborting with a validation
// error when it is missing or malformed.
func pathID(c *gin.Context, field idField) (snowflake.ID, bool) {
	return bindID(c, c.Param(field.name), field)
}

// bindID parses a snowflake id from a request value.
func bindID(c *gin.Context, value string, field idField) (snowflake.ID, bool) {
	id, err := parseSnowflakeID(value)
	if err != nil {
		AbortWithError(c, newValidationError(field.name, field.code, field.message))
		return 0, false
	}
	return id, true
}

func parseSnowflakeID(value string) (snowflake.ID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, errInvalidSnowflakeID
	}
	parsed, err := snowflake.ParseString(trimmed)
	if err != nil || parsed <= 0 {
		return 0, errInvalidSnowflakeID
	}
	return parsed, nil
}
