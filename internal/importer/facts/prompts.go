package facts

const extractionSystemPrompt = `You read one excerpt of a person's past conversations with an assistant and extract durable facts about the person.

Return only a JSON object with these keys, each a list of short third-person statements:
  "preferences": likes, dislikes, tools and styles they prefer
  "projects": things they are building, studying or working on
  "dates": dated events, deadlines and milestones (include the date)
  "beliefs": opinions and values they hold
  "decisions": choices they made or committed to

Skip anything about the assistant, one-off requests and facts you are not confident about. Use an empty list when a category has nothing.`

const reduceSystemPrompt = `You merge a list of facts about one person into fewer, denser statements.

Keep every distinct piece of information, drop duplicates and trivia, and keep dates. Reply with the merged statements only, one per line, no numbering.`
