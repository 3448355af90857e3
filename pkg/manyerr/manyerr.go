// Package manyerr implements the protocol's three disjoint error ranges:
// transport/protocol errors (small negative codes), request/validation
// errors, attribute-specific errors (attribute_id*-10000-sub_code), and
// application errors (positive integers). See spec.md §7.
package manyerr

import (
	"strings"
)

// Code is a protocol error code. Negative ranges are reserved, positive
// codes are free for application modules.
type Code int64

// Transport/protocol codes.
const (
	CodeUnknown                   Code = -1
	CodeMessageTooLong            Code = -2
	CodeDeserializationError      Code = -3
	CodeSerializationError        Code = -4
	CodeUnexpectedEmptyRequest    Code = -5
	CodeUnexpectedEmptyResponse   Code = -6
	CodeUnexpectedTransportError  Code = -7
	CodeCouldNotRouteMessage      Code = -8
	CodeInvalidAttributeID        Code = -9
	CodeInvalidAttributeArguments Code = -10
	CodeInvalidIdentity           Code = -11
	CodeInvalidIdentityKind       Code = -12
	CodeInvalidIdentityPrefix     Code = -13
	CodeInvalidIdentitySubResID   Code = -14
)

// Request/validation codes.
const (
	CodeInvalidMethodName        Code = -100
	CodeInvalidFromIdentity      Code = -101
	CodeCouldNotVerifySignature  Code = -102
	CodeUnknownDestination       Code = -103
	CodeEmptyEnvelope            Code = -104
	CodeTimestampOutOfRange      Code = -105
	CodeRequiredFieldMissing     Code = -106
)

// AttributeCode encodes an attribute-specific sub-code per spec.md §7:
// code = attrID*-10000 - subCode.
func AttributeCode(attrID uint32, subCode uint32) Code {
	return Code(-10000*int64(attrID) - int64(subCode))
}

// Multisig attribute (9) sub-codes.
const (
	MultisigAttributeID = 9

	SubTransactionNotFound       = 100
	SubUserCannotApprove         = 101
	SubUnsupportedTransactionTyp = 102
	SubCannotExecuteYet          = 103
	SubExpiredOrWithdrawn        = 104
)

// Error is the protocol error envelope payload: a code, a message template
// using "{field}" placeholders ("{{"/"}}" are literal braces), and the
// substitution arguments.
type Error struct {
	Code    Code              `cbor:"0,keyasint"`
	Message string            `cbor:"1,keyasint,omitempty"`
	Args    map[string]string `cbor:"2,keyasint,omitempty"`
}

func (e *Error) Error() string {
	return RenderTemplate(e.Message, e.Args)
}

// New builds an Error from a code and a template with its arguments.
func New(code Code, template string, args map[string]string) *Error {
	return &Error{Code: code, Message: template, Args: args}
}

// Wrap turns an arbitrary Go error into an "unknown"-class protocol error,
// preserving the underlying message — used for storage/transport failures
// that aren't independently modeled as protocol error codes.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*Error); ok {
		return pe
	}
	return &Error{Code: CodeUnknown, Message: err.Error()}
}

// RenderTemplate substitutes "{name}" placeholders from args; "{{" and "}}"
// are literal braces.
func RenderTemplate(template string, args map[string]string) string {
	var b strings.Builder
	i := 0
	for i < len(template) {
		c := template[i]
		switch {
		case c == '{' && i+1 < len(template) && template[i+1] == '{':
			b.WriteByte('{')
			i += 2
		case c == '}' && i+1 < len(template) && template[i+1] == '}':
			b.WriteByte('}')
			i += 2
		case c == '{':
			end := strings.IndexByte(template[i:], '}')
			if end < 0 {
				b.WriteString(template[i:])
				i = len(template)
				break
			}
			name := template[i+1 : i+end]
			if v, ok := args[name]; ok {
				b.WriteString(v)
			} else {
				b.WriteString("{" + name + "}")
			}
			i += end + 1
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// UserNeedsRole builds the account-capability-check error naming the first
// acceptable role, per spec.md §4.5.
func UserNeedsRole(role string) *Error {
	return New(AttributeCode(MultisigAttributeID, SubUserCannotApprove),
		"user needs one of the following role(s): {role}", map[string]string{"role": role})
}

// TransactionExpiredOrWithdrawn is returned for any mutation attempted on a
// non-Pending multisig transaction.
func TransactionExpiredOrWithdrawn() *Error {
	return New(AttributeCode(MultisigAttributeID, SubExpiredOrWithdrawn),
		"transaction is expired or withdrawn", nil)
}

// CannotExecuteTransaction is returned when execute is attempted before
// threshold approvals are met, or by a caller without execute rights.
func CannotExecuteTransaction() *Error {
	return New(AttributeCode(MultisigAttributeID, SubCannotExecuteYet),
		"cannot execute transaction", nil)
}

// TransactionNotFound is returned when a token does not resolve to a
// pending multisig entry.
func TransactionNotFound(token string) *Error {
	return New(AttributeCode(MultisigAttributeID, SubTransactionNotFound),
		"transaction {token} not found", map[string]string{"token": token})
}

// UnsupportedTransactionType is returned when a submission's inner
// transaction does not decode to a known dispatchable operation.
func UnsupportedTransactionType() *Error {
	return New(AttributeCode(MultisigAttributeID, SubUnsupportedTransactionTyp),
		"unsupported transaction type", nil)
}

// CouldNotVerifySignature carries a precise sub-reason string, per §4.2.
func CouldNotVerifySignature(reason string) *Error {
	return New(CodeCouldNotVerifySignature, "could not verify signature: {reason}",
		map[string]string{"reason": reason})
}

// UnknownDestination is returned by the router when `to` names neither
// Anonymous nor the server's own identity.
func UnknownDestination(to string) *Error {
	return New(CodeUnknownDestination, "unknown destination: {to}", map[string]string{"to": to})
}

// CouldNotRouteMessage is returned when no module claims the method and no
// fallback is registered.
func CouldNotRouteMessage(method string) *Error {
	return New(CodeCouldNotRouteMessage, "could not route message to method {method}",
		map[string]string{"method": method})
}
