package service

import (
	"fmt"
	"regexp"
	"strings"

	"lexmx-backend/models"
)

// ChatMode selects the system prompt and drives model selection.
type ChatMode string

const (
	ModeGeneral           ChatMode = "general"
	ModeDrafting          ChatMode = "drafting"
	ModeDocumentAnalysis  ChatMode = "document_analysis"
	ModeSentenciaAnalysis ChatMode = "sentencia_analysis"
	ModeChatDrafting      ChatMode = "chat_drafting"
)

var draftingRe = regexp.MustCompile(`(?i)\b(redacta|elabora|prepara|formula)\b.{0,60}\b(demanda|contrato|escrito|amparo|denuncia|contestaci[óo]n|promoci[óo]n|convenio|recurso)\b`)

// DetectMode classifies the turn from its attachments and the latest user
// message. Attachment-driven modes win over drafting keywords.
func DetectMode(req *models.ChatRequest) ChatMode {
	if req.HasAttachedSentencia() {
		return ModeSentenciaAnalysis
	}
	if req.HasAttachedDocument() {
		return ModeDocumentAnalysis
	}
	if draftingRe.MatchString(req.LatestUserMessage()) {
		if len(req.Messages) > 1 {
			return ModeChatDrafting
		}
		return ModeDrafting
	}
	return ModeGeneral
}

const basePrompt = `Eres un asistente jurídico especializado en derecho mexicano. Respondes en español, con precisión técnica y citando siempre las fuentes.

Reglas de citación, obligatorias:
- Cada afirmación jurídica sustantiva debe citar su fuente con el formato exacto [Doc ID: <id>], usando únicamente los IDs listados en el contexto recuperado.
- Nunca inventes IDs ni cites documentos que no estén en el contexto.
- Si el contexto no contiene fundamento suficiente, dilo expresamente en lugar de especular.
- Distingue entre texto vigente y criterios anteriores a la reforma judicial de 2024 cuando ambos aparezcan.`

var modePrompts = map[ChatMode]string{
	ModeGeneral: basePrompt + `

Estructura tus respuestas: fundamento constitucional cuando exista, legislación aplicable, jurisprudencia relevante y conclusión práctica.`,

	ModeDrafting: basePrompt + `

El usuario pide un escrito jurídico. Redacta el documento completo con la estructura forense mexicana (proemio, hechos, derecho, puntos petitorios), fundado en los artículos del contexto recuperado y citándolos con [Doc ID: <id>].`,

	ModeChatDrafting: basePrompt + `

Continúa la conversación de redacción: incorpora las correcciones del usuario al escrito manteniendo la estructura forense y las citas [Doc ID: <id>] del contexto.`,

	ModeDocumentAnalysis: basePrompt + `

El usuario adjuntó un documento entre los marcadores ===DOCUMENTO ADJUNTO=== y ===FIN DOCUMENTO===. Analízalo a la luz del contexto jurídico recuperado: identifica su naturaleza, riesgos y fundamentos, citando el contexto con [Doc ID: <id>].`,

	ModeSentenciaAnalysis: basePrompt + `

El usuario adjuntó una sentencia entre los marcadores ===SENTENCIA ADJUNTA=== y ===FIN DOCUMENTO===. Analiza: órgano emisor, litis, consideraciones centrales, sentido del fallo y vías de impugnación disponibles con sus plazos, citando el contexto con [Doc ID: <id>].`,
}

// SystemPromptFor returns the mode's system prompt.
func SystemPromptFor(mode ChatMode) string {
	if p, ok := modePrompts[mode]; ok {
		return p
	}
	return modePrompts[ModeGeneral]
}

// InventoryDirective enumerates the corpus categories so the model knows what
// kinds of sources the context can carry.
const InventoryDirective = `FUENTES DISPONIBLES EN EL CORPUS: Constitución Política (CPEUM) y tratados de derechos humanos del bloque de constitucionalidad; legislación federal (leyes y códigos); legislación estatal de las 32 entidades; jurisprudencia y tesis aisladas del Poder Judicial de la Federación. Solo el contexto recuperado abajo es citable.`

// StatePrimacyInstruction fixes state-law primacy when the user selected a
// state explicitly.
func StatePrimacyInstruction(estado string) string {
	if estado == "" {
		return ""
	}
	return fmt.Sprintf("INSTRUCCIÓN DE JURISDICCIÓN: El usuario consulta sobre %s. La legislación de esa entidad es la fuente primaria; la legislación federal y la jurisprudencia complementan, no sustituyen.", humanizeCode(estado))
}

// ComposeSystemBlock builds the full pre-history prompt in the binding order:
// mode prompt, inventory directive, state instruction, context block, cheat
// sheet.
func ComposeSystemBlock(mode ChatMode, estado, contextBlock, cheatSheet string) string {
	parts := []string{SystemPromptFor(mode), InventoryDirective}
	if s := StatePrimacyInstruction(estado); s != "" {
		parts = append(parts, s)
	}
	if contextBlock != "" {
		parts = append(parts, contextBlock)
	}
	if cheatSheet != "" {
		parts = append(parts, cheatSheet)
	}
	return strings.Join(parts, "\n\n")
}
