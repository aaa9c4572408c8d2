// Package engine разбирает и проверяет определения задач до их допуска в mesh.
//
// Включает:
//   - parser.go   — парсинг TaskDefinition из JSON или YAML и валидация
//   - inputs.go   — проверка входных данных и подстановка значений по умолчанию
//   - merge.go    — слияние результата шага цепочки со входами следующего шага
//   - template.go — рендеринг Go templates ({{ .previous.result }})
//
// Невалидное определение отклоняется синхронно при submit и не получает TaskID.
package engine
