package knowledge

import "github.com/kbrengel/talkingrock/pkg/types"

// Source describes one static knowledge document. Documents are hand-curated
// markdown files under the context directory; nothing at runtime writes them.
type Source struct {
	// Name is the internal identifier, unique across the registry.
	Name string

	// Display is the section heading used when the document is assembled
	// into generation context.
	Display string

	// Path is the document location relative to the context directory.
	Path string

	// Domain is the knowledge domain the document belongs to.
	Domain types.Domain

	// Required marks documents that are always assembled first for their
	// domain, ahead of any optional document regardless of priority.
	Required bool

	// Priority orders documents within the required/optional partition,
	// higher first.
	Priority int
}

// DefaultSources returns the built-in source registry. One document may
// serve several domains (the resume backs both PROFESSIONAL and CONTACT).
func DefaultSources() []Source {
	return []Source{
		// Professional
		{Name: "skills", Display: "Skills", Path: "professional/skills.md", Domain: types.DomainProfessional, Required: true, Priority: 10},
		{Name: "resume", Display: "Resume", Path: "professional/resume.md", Domain: types.DomainProfessional, Required: true, Priority: 8},
		{Name: "achievements", Display: "Achievements", Path: "professional/achievements.md", Domain: types.DomainProfessional, Priority: 3},

		// Projects
		{Name: "projects_overview", Display: "Projects Overview", Path: "projects/overview.md", Domain: types.DomainProjects, Required: true, Priority: 10},
		{Name: "portfolio_site", Display: "Portfolio Site", Path: "projects/portfolio_site.md", Domain: types.DomainProjects, Priority: 5},
		{Name: "talking_rock", Display: "Talking Rock", Path: "projects/talking_rock.md", Domain: types.DomainProjects, Priority: 5},
		{Name: "ukraine_osint", Display: "Ukraine OSINT Reader", Path: "projects/ukraine_osint.md", Domain: types.DomainProjects, Priority: 4},
		{Name: "inflation_dashboard", Display: "Inflation Dashboard", Path: "projects/inflation_dashboard.md", Domain: types.DomainProjects, Priority: 4},
		{Name: "great_minds", Display: "Great Minds Roundtable", Path: "projects/great_minds.md", Domain: types.DomainProjects, Priority: 4},

		// Hobbies
		{Name: "first_robotics", Display: "FIRST Robotics", Path: "hobbies/first_robotics.md", Domain: types.DomainHobbies, Required: true, Priority: 10},
		{Name: "hobbies", Display: "Hobbies & Interests", Path: "hobbies/hobbies.md", Domain: types.DomainHobbies, Priority: 5},

		// Philosophy
		{Name: "problem_solving", Display: "Problem Solving Ethos", Path: "philosophy/professional_ethos.md", Domain: types.DomainPhilosophy, Required: true, Priority: 10},
		{Name: "values", Display: "Professional Philosophy", Path: "philosophy/professional_philosophy.md", Domain: types.DomainPhilosophy, Priority: 5},

		// Contact
		{Name: "contact", Display: "Contact Info", Path: "meta/contact.md", Domain: types.DomainContact, Required: true, Priority: 10},
		{Name: "resume_contact", Display: "Resume", Path: "professional/resume.md", Domain: types.DomainContact, Priority: 5},

		// Meta
		{Name: "about_chat", Display: "About This Chat", Path: "meta/about_chat.md", Domain: types.DomainMeta, Required: true, Priority: 10},
		{Name: "portfolio_overview", Display: "Portfolio Overview", Path: "meta/portfolio_overview.md", Domain: types.DomainMeta, Priority: 5},
	}
}
