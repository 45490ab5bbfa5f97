package kafka

import (
	"fmt"

	"github.com/IBM/sarama"
	"google.golang.org/protobuf/proto"
)

// PayloadFunc строит ключ или значение сообщения по его логическому id.
// Любой sarama.Encoder подходит: StringEncoder, ByteEncoder, Proto(...).
type PayloadFunc func(id int32) sarama.Encoder

// Format возвращает PayloadFunc, подставляющую id в шаблон,
// например Format("Message %d").
func Format(layout string) PayloadFunc {
	return func(id int32) sarama.Encoder {
		return sarama.StringEncoder(fmt.Sprintf(layout, id))
	}
}

// Bytes — константная полезная нагрузка.
func Bytes(b []byte) PayloadFunc {
	return func(int32) sarama.Encoder { return sarama.ByteEncoder(b) }
}

// Proto кодирует protobuf-сообщение в wire-формате.
func Proto(m proto.Message) sarama.Encoder { return protoEncoder{m: m} }

type protoEncoder struct {
	m proto.Message
}

func (e protoEncoder) Encode() ([]byte, error) {
	b, err := proto.Marshal(e.m)
	if err != nil {
		return nil, fmt.Errorf("kafka: proto marshal: %w", err)
	}
	return b, nil
}

func (e protoEncoder) Length() int { return proto.Size(e.m) }

// EncodeBytes материализует encoder; nil остаётся nil.
func EncodeBytes(e sarama.Encoder) ([]byte, error) {
	if e == nil {
		return nil, nil
	}
	return e.Encode()
}
