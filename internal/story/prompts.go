package story

import (
	"github.com/invopop/jsonschema"

	"github.com/antoniostano/fireside/internal/narrator"
)

const storytellerPremise = "You are a master storyteller. You have a wit as sharp as a dagger, and a heart as pure as gold. Given the description below create a thrilling, vibrant, and detailed story with deep multi-faceated characters that that features the listener (whom you talk about in the 2nd person) as the main character. The quality we're going for is feeling like the listener is in a book or film, and we should match pacing accordingly, expanding on important sections, but keeping the story progressing at all times. When it's appropiate you can even immitiate characters in the story for dialogue sections.\n\nThe requested story is as follows: "

const defaultStoryRequest = "Suprise me!"

const narrationPrefix = "[Narration]: "

const innerMonologuePrefix = "[Narrator Inner Monologue] "

// Structured outputs requested from the generation service. Parameter structs
// are reflected into schemas; long prose descriptions are attached afterwards
// because struct tags cannot carry commas.

type planStoryParams struct {
	Plan string `json:"plan"`
}

type introductionParams struct {
	Introduction string `json:"introduction"`
}

type continuationParams struct {
	Story string `json:"story"`
}

type reactionParams struct {
	Reaction string `json:"reaction"`
}

type monologuePlanParams struct {
	Plan string `json:"plan"`
}

type diceModifierParams struct {
	ActionModifier float64 `json:"action_modifier"`
	Reason         string  `json:"reason"`
}

type suggestionItem struct {
	Action         string  `json:"action"`
	ModifierReason string  `json:"modifier_reason"`
	Modifier       float64 `json:"modifier"`
}

type suggestionParams struct {
	Actions []suggestionItem `json:"actions"`
}

type validationParams struct {
	Answer string `json:"answer"`
	Reason string `json:"reason"`
}

type imagePromptParams struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt"`
}

type adventureParams struct {
	NewAdventureSuggestions []string `json:"new_adventure_suggestions"`
}

func describe(s *jsonschema.Schema, field, desc string) *jsonschema.Schema {
	if s.Properties != nil {
		if prop, ok := s.Properties.Get(field); ok {
			prop.Description = desc
		}
	}
	return s
}

func planStoryFunction() narrator.Function {
	return narrator.Function{
		Name:        "plan_story",
		Description: "Imagine a detailed plan for the story. Describe, in detail, the overarching story, the main characters, twists, the main goal, as well as smaller scale beats and memorable moments. This will only be referenced by yourself, the storyteller, and should not be shared with the players. Be specific in your plan, naming characters, locations, events in depth while making sure to include the players in the story. Always think a few steps ahead to make the story feel alive. No newlines.",
		Parameters:  describe(narrator.SchemaFor(planStoryParams{}), "plan", "No newlines."),
	}
}

func introductionFunction() narrator.Function {
	return narrator.Function{
		Name:        "introduce_story_and_characters",
		Description: "Given the pre-created plan, paint a vibrant and irrestiable hook of the very beginning of story, the exposition. Colorfully show the setting, and characters ending with a clear decision point where the story begins for the players. Do not skip any major events or decisions. Do not reveal the plan of the story. Do not hint about the path ahead or reveal the outcome. Keep it short and punchy. Do not exceed a paragraph. Be creative! No newlines.",
		Parameters:  narrator.SchemaFor(introductionParams{}),
	}
}

func continuationFunction() narrator.Function {
	return narrator.Function{
		Name:        "continue_story",
		Description: "Continue narratoring the story based on the previous messages, integrating what the players said, but also not letting them take over the story. Keep it grounded in the world you created, and make sure to keep the story moving forward, but with correct pacing. Stories should be interesting, but not too fast paced, and not too slow. Expand upon the plan made previously.",
		Parameters:  describe(narrator.SchemaFor(continuationParams{}), "story", "The new story to add to the existing story. Keep it short and punchy. No newlines."),
	}
}

func reactionFunction() narrator.Function {
	return narrator.Function{
		Name:        "generate_narrator_internal_monologue_reaction",
		Description: `From the perspective of the narrator, create a one sentence reaction based on the last player action (and the correspodning dice roll) and its impact on the story beginning with the words "I feel" with a reasoning as well. Include the full sentence. Do not exactly copy prior information. Stick to new info. No newlines.`,
		Parameters:  narrator.SchemaFor(reactionParams{}),
	}
}

func monologuePlanFunction() narrator.Function {
	return narrator.Function{
		Name:        "generate_narrator_internal_monologue_plan",
		Description: `One sentence describing how you, the narrator, will adjust the story based on the player's last action and its corresponding dice roll. (The impact of an action that recieves an average dice roll should still have a meaningful impact on the immediate events in the story.) Your plan should be a single sentence that begins with "I will". Provide an indepth thought process, and a full sentence. Include the full sentence including the initial "I will". Do not repeat prior information. No newlines.`,
		Parameters:  narrator.SchemaFor(monologuePlanParams{}),
	}
}

func diceModifierFunction() narrator.Function {
	schema := narrator.SchemaFor(diceModifierParams{})
	describe(schema, "action_modifier", "Modifier for the action. Must not be based on the outcome. Should only be based on prior information. [Min: -15, Max: 15]")
	describe(schema, "reason", "Reason for the modifier.")
	return narrator.Function{
		Name:        "generate_action_dice_modifier",
		Description: "Based on the story BEFORE THE MOST RECENT ACTION TOOK PLACE, generate a modifier for the narrator's dice roll for that specific action. This modifier should be representative of the confluence of all relevant factors within the story prior to the most recent action. This modifier should not be based on the outcome of said action or it's effects on the world. It must SOLELY be based on effects and actions before it took place. 0 is neutral, and should be the most common. Non-zero numbers are proportionately common to their proximity to zero. [Min: -15, Max: 15]",
		Parameters:  schema,
	}
}

func suggestionsFunction() narrator.Function {
	schema := narrator.SchemaFor(suggestionParams{})
	describe(schema, "actions", "Suggested actions, no duplicates. [Min: 1, Max: 3]")
	if schema.Properties != nil {
		if actions, ok := schema.Properties.Get("actions"); ok && actions.Items != nil {
			describe(actions.Items, "action", "A suggested action for the player to take. [Min: 1 word, Max: 3 words]")
			describe(actions.Items, "modifier_reason", "The reasoning to determine the modifier for the action. Must not be based on the outcome. Should only be based on prior information. [Min: 1 word, Max: 20 words]")
			describe(actions.Items, "modifier", "Modifier for the action. Must not be based on the outcome of the action. [Min: -15, Max: 15, 0 is neutral and most common]")
		}
	}
	return narrator.Function{
		Name:        "generate_action_suggestions",
		Description: "List 1-3 optimal actions for players, described in up to 3 words, based on the story. Analyze how past events affect each action's potential success, without predicting outcomes. Assign a unique modifier (-15 to 15) to each action for a d20 roll, reflecting pre-established conditions. Explain the reasoning for each modifier before stating its value.",
		Parameters:  schema,
	}
}

func validationFunction() narrator.Function {
	schema := narrator.SchemaFor(validationParams{})
	describe(schema, "answer", "[YES / NO]")
	describe(schema, "reason", "Reason for answer.")
	return narrator.Function{
		Name:        "validate_suggestions",
		Description: "As the narrator, you generated the most recent actions. Based on the story, are these the most relevant and entertaining possible actions in the current context? Are all the actions unique? Are there 1-3 actions? Have all characters / objects been introduced in the story? Can the player do all of these actions in the current situation? If the actions are not valid, provide a reason. If they are valid, leave the reason blank.",
		Parameters:  schema,
	}
}

func imagePromptFunction() narrator.Function {
	return narrator.Function{
		Name:        "generate_image",
		Description: "Based on the story, pick the most interesting concept, character, or idea from the most recent story addition and generate an image to go with it. This could be a scene, a character, or an object. Use the examples to guide you. Keep it consistent with the story. Describe a prompt, and negative prompt.",
		Parameters:  narrator.SchemaFor(imagePromptParams{}),
	}
}

func adventureSuggestionsFunction() narrator.Function {
	schema := narrator.SchemaFor(adventureParams{})
	if schema.Properties != nil {
		if items, ok := schema.Properties.Get("new_adventure_suggestions"); ok && items.Items != nil {
			items.Items.Description = "A suggested title for an adventure."
		}
	}
	return narrator.Function{
		Name:        "generate_new_adventure_suggestions",
		Description: "Suggestions should be entirely unique (max 20 characters). Each title should be completely unrelated to each other. Be vibrant, and creative! Use verbs to describe actions! e.g. No colons or semicolons. [3 suggestions max]",
		Parameters:  schema,
	}
}

// promptArtistExamples is the prompt engineering primer fed to the image
// prompt generation call, followed by the story transcript.
const promptArtistExamples = "You are an expert artist in the field of prompt engineering based art. Your job is to take a story and generate the best image to go with it. Here are some examples of prompts as reference:\n" +
	"Digital Art / Concept Art\n" +
	"Prompt: concept art of dragon flying over town, clouds. digital artwork, illustrative, painterly, matte painting, highly detailed, cinematic composition\n" +
	"Negative Prompt: photo, photorealistic, realism, ugly\n" +
	"Ethereal Fantasy Art\n" +
	"Prompt: ethereal fantasy concept art of sorceress casting spells. magnificent, celestial, ethereal, painterly, epic, majestic, magical, fantasy art, cover art, dreamy\n" +
	"Negative Prompt: photographic, realistic, realism, 35mm film, dslr, cropped, frame, text, deformed, glitch, noise, noisy, off-center, deformed, cross-eyed, closed eyes, bad anatomy, ugly, disfigured, sloppy, duplicate, mutated, black and white\n" +
	"Photography\n" +
	"Prompt: cinematic photo of a woman sitting at a cafe. 35mm photograph, film, bokeh, professional, 4k, highly detailed\n" +
	"Negative Prompt: drawing, painting, crayon, sketch, graphite, impressionist, noisy, blurry, soft, deformed, ugly\n" +
	"Cinematography\n" +
	"Prompt: cinematic film still, stormtrooper taking aim. shallow depth of field, vignette, highly detailed, high budget Hollywood movie, bokeh, cinemascope, moody, epic, gorgeous, film grain, grainy\n" +
	"Negative Prompt: anime, cartoon, graphic, text, painting, crayon, graphite, abstract, glitch, deformed, mutated, ugly, disfigured\n" +
	"Isometric\n" +
	"Prompt: isometric style farmhouse from RPG game, unreal engine, vibrant, beautiful, crisp, detailed, ultra detailed, intricate\n" +
	"Negative Prompt: deformed, mutated, ugly, disfigured, blur, blurry, noise, noisy, realistic, photographic\n" +
	"Pixel Art\n" +
	"Prompt: isometric pixel-art of wizard working on spells. low-res, blocky, pixel art style, 16-bit graphics\n" +
	"Negative Prompt: sloppy, messy, blurry, noisy, highly detailed, ultra textured, photo, realistic\n" +
	"Anime\n" +
	"Prompt: anime artwork an empty classroom. anime style, key visual, vibrant, studio anime, highly detailed\n" +
	"Negative Prompt: photo, deformed, black and white, realism, disfigured, low contrast\n" +
	"\n" +
	"This are but a few examples of the infinitely many prompts you could use. Be creative!\n" +
	"\n" +
	"Story to generate image from: \n"

func adventurePrompt(pastDescriptions []string) string {
	prompt := "You are an experienced storyteller, with a sharp wit, a heart of gold and a love for stories. Your goal is to bring people on new experiences."
	if len(pastDescriptions) > 0 {
		prompt += "In the past the player has requested these adventures, but don't format the phraseology of the titles based on these: "
		for _, d := range pastDescriptions {
			prompt += "- " + d + "\n"
		}
		prompt += ".\n"
	}
	prompt += " Come up with a single new, entirely new, short, curiosity-inspiring title, devoid of alliteration, for adventures this player may enjoy. The title should be completely unrelated to the previous adventures, in different genres too! I repeat, no alliteration!!! Priortize readable and story potential over literary flare. Use verbs for the story premise, and make sure the verbs are something that a person could do. Avoid abstract words & concepts. Adjectives should be meaningful to the nouns they modify. Verbs should be meaningful to their corespoding direct objects. Be creative! Be clear! Be memorable!"
	return prompt
}
