package worker

import (
	"context"

	"github.com/shaiso/Meshwork/internal/engine"
)

// transform — встроенная функция "echo"/"transform".
//
// Шаблоны во входах уже отрендерены при слиянии входов цепочки
// (engine.MergeInputs), поэтому функция возвращает входы как выходы.
// Служебный вход previous не копируется. Если вход message есть, он же
// возвращается как result: так stream-задача эхом отдаёт сообщение.
func transform(_ context.Context, inputs map[string]any) (map[string]any, error) {
	outputs := withoutReserved(inputs)
	if msg, ok := outputs[engine.MessageKey]; ok {
		if _, set := outputs["result"]; !set {
			outputs["result"] = msg
		}
	}
	return outputs, nil
}
