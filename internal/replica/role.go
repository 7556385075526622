// Пакет replica — репликация графа между экземплярами AGraphStore.
//
// Топология single-writer / multi-reader: один main принимает локальные
// записи и отдаёт снапшоты, remote (follower) реплицирует состояние
// с настроенных peer URL и отклоняет локальные записи.
package replica

import (
	"errors"
	"fmt"
)

// ErrReadOnlyRole — мутация отклонена: экземпляр работает как remote.
var ErrReadOnlyRole = errors.New("экземпляр работает в режиме remote, запись запрещена")

// Role — роль экземпляра AGraphStore.
// Определяется один раз из конфигурации при старте и не меняется
// за время жизни процесса.
type Role string

const (
	// RoleMain — единственный записываемый экземпляр, источник истины.
	RoleMain Role = "main"
	// RoleRemote — реплицирующий экземпляр, только чтение.
	RoleRemote Role = "remote"
)

// ParseRole валидирует строковое значение роли из конфигурации.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleMain, RoleRemote:
		return Role(s), nil
	default:
		return "", fmt.Errorf("недопустимая роль %q, допустимые: main, remote", s)
	}
}

// RoleProvider — интерфейс получения роли экземпляра.
type RoleProvider interface {
	// CurrentRole возвращает роль экземпляра.
	CurrentRole() Role
	// IsMain возвращает true, если экземпляр принимает локальные записи.
	IsMain() bool
}

// StaticProvider — реализация RoleProvider с неизменяемой ролью.
type StaticProvider struct {
	role Role
}

// NewStaticProvider создаёт провайдер с фиксированной ролью.
func NewStaticProvider(role Role) *StaticProvider {
	return &StaticProvider{role: role}
}

// CurrentRole возвращает роль экземпляра.
func (p *StaticProvider) CurrentRole() Role {
	return p.role
}

// IsMain возвращает true для роли main.
func (p *StaticProvider) IsMain() bool {
	return p.role == RoleMain
}
