// pkg/kafka/interface.go
//
// Пакет kafka задаёт общие типы харнесса: физическую позицию записи,
// отображение позиция → логический id и прочитанное сообщение.
package kafka

import (
	"fmt"
	"sort"
	"time"
)

// Message — запись, прочитанная consumer'ом.
type Message struct {
	Key       []byte
	Value     []byte
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
	Headers   map[string][]byte
}

// Position — физическое место записи в брокере.
type Position struct {
	Partition int32
	Offset    int64
}

func (p Position) String() string {
	return fmt.Sprintf("%d@%d", p.Partition, p.Offset)
}

// PositionOf возвращает позицию прочитанного сообщения.
func PositionOf(m *Message) Position {
	return Position{Partition: m.Partition, Offset: m.Offset}
}

// Mapping связывает подтверждённую брокером позицию с логическим id
// сообщения. Ключи уникальны, размер равен числу успешных доставок.
type Mapping map[Position]int32

// Lookup возвращает id, записанный в (partition, offset).
func (m Mapping) Lookup(partition int32, offset int64) (int32, bool) {
	id, ok := m[Position{Partition: partition, Offset: offset}]
	return id, ok
}

// IDs возвращает все id по возрастанию.
func (m Mapping) IDs() []int32 {
	ids := make([]int32, 0, len(m))
	for _, id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Positions возвращает позиции, упорядоченные по (partition, offset).
func (m Mapping) Positions() []Position {
	ps := make([]Position, 0, len(m))
	for p := range m {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Partition != ps[j].Partition {
			return ps[i].Partition < ps[j].Partition
		}
		return ps[i].Offset < ps[j].Offset
	})
	return ps
}

// Verify проверяет, что msg лежит в позиции, которую подтвердил брокер,
// и возвращает id, отправленный туда.
func (m Mapping) Verify(msg *Message) (int32, error) {
	pos := PositionOf(msg)
	id, ok := m[pos]
	if !ok {
		return 0, fmt.Errorf("kafka: message at %s (topic %q) was not produced by this batch", pos, msg.Topic)
	}
	return id, nil
}
