// Пакет errors — конструкторы стандартных ошибок в формате AGraphStore.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
// Все HTTP-ответы с ошибками должны использовать WriteError.
package errors //nolint:revive // TODO: переименовать пакет errors, конфликт со stdlib

import (
	"encoding/json"
	"net/http"
)

// Машиночитаемые коды ошибок API.
const (
	CodeValidationError   = "VALIDATION_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeDuplicateNode     = "DUPLICATE_NODE"
	CodeDuplicateEdge     = "DUPLICATE_EDGE"
	CodeDanglingReference = "DANGLING_REFERENCE"
	CodeReadOnlyRole      = "READ_ONLY_ROLE"
	CodeInternalError     = "INTERNAL_ERROR"
)

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail — детали ошибки.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки в стандартном формате AGraphStore.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 узел или ребро не найдены.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden — 403 недостаточно прав.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// DuplicateNode — 409 узел с таким ключом уже существует.
func DuplicateNode(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeDuplicateNode, message)
}

// DuplicateEdge — 409 ребро между этими узлами уже существует.
func DuplicateEdge(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeDuplicateEdge, message)
}

// DanglingReference — 422 ребро ссылается на несуществующий узел.
func DanglingReference(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnprocessableEntity, CodeDanglingReference, message)
}

// ReadOnlyRole — 409 мутация на экземпляре с ролью remote.
func ReadOnlyRole(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeReadOnlyRole, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
