package dialogue

import "strings"

// Messages holds every user-visible text the flow sends. Templates may use
// {name}, {email}, {phone}, {category} and {categories}.
type Messages struct {
	Welcome         string `yaml:"welcome"`
	ListingsPrompt  string `yaml:"listings_prompt"`
	CategoryPrompt  string `yaml:"category_prompt"`
	CategoryConfirm string `yaml:"category_confirm"`
	CategoryChosen  string `yaml:"category_chosen"`
	NamePrompt      string `yaml:"name_prompt"`
	NameRetry       string `yaml:"name_retry"`
	EmailPrompt     string `yaml:"email_prompt"`
	EmailRetry      string `yaml:"email_retry"`
	SchedulePrompt  string `yaml:"schedule_prompt"`
	Closing         string `yaml:"closing"`
	AlreadyClosed   string `yaml:"already_closed"`
	PhotosCaption   string `yaml:"photos_caption"`
	NoPhotos        string `yaml:"no_photos"`
	TextOnly        string `yaml:"text_only"`
}

// DefaultMessages returns the built-in Spanish copy.
func DefaultMessages() Messages {
	return Messages{
		Welcome: "¡Hola! Soy el asistente de COINSA. Puedo darte información de " +
			"nuestras propiedades, enviarte fotos o agendar una visita. ¿En qué te ayudo?",
		ListingsPrompt:  "¿Te gustaría ver fotos o agendar una visita?",
		CategoryPrompt:  "¿Qué opción te interesa visitar: {categories}?",
		CategoryConfirm: "Perfecto, agendemos tu visita a {category}.",
		CategoryChosen:  "Excelente elección: {category}.",
		NamePrompt:      "¿Cuál es tu nombre completo?",
		NameRetry:       "Por favor escribe tu nombre completo (entre 2 y 80 caracteres).",
		EmailPrompt:     "Gracias, {name}. ¿Cuál es tu correo electrónico?",
		EmailRetry:      "No reconocí un correo válido. Escríbelo con el formato nombre@dominio.com",
		SchedulePrompt: "Confirmo tus datos:\nNombre: {name}\nTeléfono: {phone}\nCorreo: {email}\n" +
			"¿Qué día y horario prefieres para la visita?",
		Closing: "¡Listo, {name}! Registramos tu preferencia y un asesor te contactará " +
			"para confirmar la visita. ¡Gracias!",
		AlreadyClosed: "Tu solicitud ya fue registrada y un asesor te contactará pronto. " +
			"Si quieres actualizar tus datos, escribe \"hola\" para empezar de nuevo.",
		PhotosCaption: "Fotos de {category}",
		NoPhotos:      "Por ahora no tengo fotos disponibles de {category}.",
		TextOnly:      "Por ahora solo puedo leer mensajes de texto. ¿En qué te ayudo?",
	}
}

// render fills template placeholders.
func render(tmpl string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(tmpl, "{") {
		return tmpl
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
